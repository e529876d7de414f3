package capability_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/capability"
	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
)

func TestAdvertiserWritesFirstLineWithCapabilities(t *testing.T) {
	caps := protocol.NewCapabilitySet("side-band-64k", "agent=testsuite/1.0")
	adv := capability.NewAdvertiser(caps)

	refs := []protocol.Ref{
		{Name: "refs/heads/main", ObjectId: mustHash(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")},
		{Name: "refs/heads/dev", ObjectId: mustHash(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")},
	}

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	require.NoError(t, adv.Advertise(context.Background(), w, refs))

	r := pktline.NewReader(&buf)
	first, err := r.ReadString()
	require.NoError(t, err)
	require.Contains(t, first, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa refs/heads/main\x00")
	require.Contains(t, first, "agent=testsuite/1.0")

	second, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb refs/heads/dev", second)

	end, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, pktline.END, end)
}

func TestAdvertiserEmptyRefsSendsCapabilitiesPlaceholder(t *testing.T) {
	adv := capability.NewAdvertiser(protocol.NewCapabilitySet("ofs-delta"))

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	require.NoError(t, adv.Advertise(context.Background(), w, nil))

	r := pktline.NewReader(&buf)
	line, err := r.ReadString()
	require.NoError(t, err)
	require.Contains(t, line, "capabilities^{}\x00ofs-delta")
}

func TestAdvertiserHookFiltersRefs(t *testing.T) {
	hook := capability.AdvertiseRefsHookFunc(func(_ context.Context, refs []protocol.Ref) ([]protocol.Ref, error) {
		var out []protocol.Ref
		for _, r := range refs {
			if r.Name == "refs/heads/main" {
				out = append(out, r)
			}
		}
		return out, nil
	})
	adv := capability.NewAdvertiser(protocol.NewCapabilitySet())
	adv.Hook = hook

	refs := []protocol.Ref{
		{Name: "refs/heads/main", ObjectId: mustHash(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")},
		{Name: "refs/heads/dev", ObjectId: mustHash(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")},
	}

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	require.NoError(t, adv.Advertise(context.Background(), w, refs))

	r := pktline.NewReader(&buf)
	first, err := r.ReadString()
	require.NoError(t, err)
	require.Contains(t, first, "refs/heads/main")

	end, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, pktline.END, end)
}

func TestAdvertiserHookErrorSendsErrLine(t *testing.T) {
	boom := errors.New("access denied")
	hook := capability.AdvertiseRefsHookFunc(func(_ context.Context, refs []protocol.Ref) ([]protocol.Ref, error) {
		return nil, boom
	})
	adv := capability.NewAdvertiser(protocol.NewCapabilitySet())
	adv.Hook = hook

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	err := adv.Advertise(context.Background(), w, nil)

	var aborted *capability.ErrHookAborted
	require.ErrorAs(t, err, &aborted)
	require.ErrorIs(t, err, boom)

	r := pktline.NewReader(&buf)
	line, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "ERR access denied", line)
}

func TestChainHooksShortCircuitsOnFirstError(t *testing.T) {
	boom := errors.New("stop here")
	calledSecond := false
	first := capability.AdvertiseRefsHookFunc(func(_ context.Context, refs []protocol.Ref) ([]protocol.Ref, error) {
		return nil, boom
	})
	second := capability.AdvertiseRefsHookFunc(func(_ context.Context, refs []protocol.Ref) ([]protocol.Ref, error) {
		calledSecond = true
		return refs, nil
	})

	chain := capability.ChainHooks(first, second)
	_, err := chain.Advertise(context.Background(), nil)
	require.ErrorIs(t, err, boom)
	require.False(t, calledSecond)
}

func TestChainHooksEmptyIsIdentity(t *testing.T) {
	chain := capability.ChainHooks()
	refs := []protocol.Ref{{Name: "refs/heads/main"}}
	out, err := chain.Advertise(context.Background(), refs)
	require.NoError(t, err)
	require.Equal(t, refs, out)
}

func TestParseFirstLineV1SplitsOnNUL(t *testing.T) {
	prefix, caps := capability.ParseFirstLineV1("want aaaa side-band-64k agent=git/2.40\x00no-progress include-tag")
	require.Equal(t, "want aaaa side-band-64k agent=git/2.40", prefix)
	require.True(t, caps.Has(protocol.CapNoProgress))
	require.True(t, caps.Has(protocol.CapIncludeTag))
}

func TestParseFirstLineV1NoNULReturnsEmptyCaps(t *testing.T) {
	prefix, caps := capability.ParseFirstLineV1("want aaaa")
	require.Equal(t, "want aaaa", prefix)
	require.Empty(t, caps)
}

func TestParseAgentAndSessionID(t *testing.T) {
	caps := protocol.NewCapabilitySet("agent=git/2.40.0", "session-id=abc123")
	agent, ok := capability.ParseAgent(caps)
	require.True(t, ok)
	require.Equal(t, "git/2.40.0", agent)

	sid, ok := capability.ParseSessionID(caps)
	require.True(t, ok)
	require.Equal(t, "abc123", sid)

	_, ok = capability.ParseAgent(protocol.NewCapabilitySet())
	require.False(t, ok)
}

func mustHash(t *testing.T, hexStr string) protocol.ObjectId {
	t.Helper()
	return hash.MustFromHex(hexStr)
}
