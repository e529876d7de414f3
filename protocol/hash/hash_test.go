package hash_test

import (
	"crypto"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/protocol/hash"
)

func TestFromHexRoundTrip(t *testing.T) {
	h, err := hash.FromHex("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	require.NoError(t, err)
	require.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", h.String())
}

func TestFromHexEmpty(t *testing.T) {
	h, err := hash.FromHex("")
	require.NoError(t, err)
	require.Equal(t, hash.Zero, h)
}

func TestZeroOfAndIsZero(t *testing.T) {
	z := hash.ZeroOf(hash.Size20)
	require.True(t, z.IsZero())
	require.Len(t, z, hash.Size20)

	nz := hash.MustFromHex("0000000000000000000000000000000000000001")
	require.False(t, nz.IsZero())
}

func TestCompareOrdering(t *testing.T) {
	a := hash.MustFromHex("0000000000000000000000000000000000000001")
	b := hash.MustFromHex("0000000000000000000000000000000000000002")
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.Equal(t, 0, a.Compare(a))
}

func TestObjectHashMatchesGitBlobFormat(t *testing.T) {
	// "blob 4\0test" is the well-known SHA-1 of a blob containing "test".
	got, err := hash.Object(crypto.SHA1, hash.TypeBlob, []byte("test"))
	require.NoError(t, err)
	require.Equal(t, "30d74d258442c7c65512eafab474568dd706c430", got.String())
}

func TestObjectHashRejectsUnlinkedAlgorithm(t *testing.T) {
	_, err := hash.Object(crypto.MD5, hash.TypeBlob, []byte("test"))
	require.ErrorIs(t, err, hash.ErrUnlinkedAlgorithm)
}
