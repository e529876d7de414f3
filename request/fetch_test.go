package request_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/request"
)

func writeLines(t *testing.T, lines ...string) *pktline.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	for _, l := range lines {
		require.NoError(t, w.WriteString(l))
	}
	require.NoError(t, w.WriteFlush())
	return pktline.NewReader(&buf)
}

func TestParseFetchRequestWantsAndCapabilities(t *testing.T) {
	oid := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	r := writeLines(t,
		"want "+oid+" side-band-64k agent=git/2.40\x00ofs-delta thin-pack\n",
		"have "+oid+"\n",
		"done\n",
	)

	var fr request.FetchRequest
	require.NoError(t, request.ParseFetchRequest(r, &fr, protocol.NewCapabilitySet()))

	require.Equal(t, 1, fr.Wants.Len())
	require.Equal(t, 1, fr.Haves.Len())
	require.True(t, fr.Done)
	require.True(t, fr.Capabilities.Has(protocol.CapOfsDelta))
	require.True(t, fr.Capabilities.Has(protocol.CapThinPack))
}

func TestParseFetchRequestShallowAndDeepen(t *testing.T) {
	oid := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	r := writeLines(t,
		"want "+oid+"\n",
		"shallow "+oid+"\n",
		"deepen 5\n",
	)

	var fr request.FetchRequest
	require.NoError(t, request.ParseFetchRequest(r, &fr, protocol.NewCapabilitySet()))
	require.Len(t, fr.Shallow, 1)
	require.Equal(t, 5, fr.Deepen.Depth)
}

func TestParseFetchRequestRejectsConflictingDeepen(t *testing.T) {
	oid := "cccccccccccccccccccccccccccccccccccccccc"
	r := writeLines(t,
		"want "+oid+"\n",
		"deepen 5\n",
		"deepen-since 1000\n",
	)

	var fr request.FetchRequest
	err := request.ParseFetchRequest(r, &fr, protocol.NewCapabilitySet())
	require.ErrorIs(t, err, protocol.ErrConflictingDeepen)
}

func TestParseFetchRequestRejectsNonPositiveDeepen(t *testing.T) {
	oid := "cccccccccccccccccccccccccccccccccccccccd"
	r := writeLines(t, "want "+oid+"\n", "deepen 0\n")

	var fr request.FetchRequest
	err := request.ParseFetchRequest(r, &fr, protocol.NewCapabilitySet())
	require.ErrorIs(t, err, request.ErrNonPositiveDeepen)
}

func TestParseFetchRequestRejectsNonPositiveDeepenSince(t *testing.T) {
	oid := "cccccccccccccccccccccccccccccccccccccccc"
	r := writeLines(t, "want "+oid+"\n", "deepen-since -1\n")

	var fr request.FetchRequest
	err := request.ParseFetchRequest(r, &fr, protocol.NewCapabilitySet())
	require.ErrorIs(t, err, request.ErrNonPositiveDeepenSince)
}

func TestParseFetchRequestFilterLine(t *testing.T) {
	oid := "dddddddddddddddddddddddddddddddddddddddd"
	r := writeLines(t,
		"want "+oid+"\n",
		"filter blob:none\n",
	)

	var fr request.FetchRequest
	require.NoError(t, request.ParseFetchRequest(r, &fr, protocol.NewCapabilitySet("filter")))
	require.NotNil(t, fr.Filter)
	require.Equal(t, protocol.FilterBlobNone, fr.Filter.Kind)
}

func TestParseFetchRequestRejectsFilterWithoutCapability(t *testing.T) {
	oid := "dddddddddddddddddddddddddddddddddddddddd"
	r := writeLines(t,
		"want "+oid+"\n",
		"filter blob:none\n",
	)

	var fr request.FetchRequest
	err := request.ParseFetchRequest(r, &fr, protocol.NewCapabilitySet())
	require.ErrorIs(t, err, request.ErrFilterNotAdvertised)
}

func TestParseFetchRequestRejectsDuplicateFilter(t *testing.T) {
	oid := "dddddddddddddddddddddddddddddddddddddddd"
	r := writeLines(t,
		"want "+oid+"\n",
		"filter blob:none\n",
		"filter tree:0\n",
	)

	var fr request.FetchRequest
	err := request.ParseFetchRequest(r, &fr, protocol.NewCapabilitySet("filter"))
	require.ErrorIs(t, err, request.ErrDuplicateFilter)
}

func TestParseFetchRequestRejectsUnknownLine(t *testing.T) {
	r := writeLines(t, "bogus line\n")

	var fr request.FetchRequest
	err := request.ParseFetchRequest(r, &fr, protocol.NewCapabilitySet())
	require.Error(t, err)
	var unknown *request.ErrUnknownLine
	require.ErrorAs(t, err, &unknown)
}
