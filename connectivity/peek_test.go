package connectivity_test

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/connectivity"
)

func deflate(t *testing.T, raw string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf
}

func TestPeekObjectHeaderReadsTypeAndSize(t *testing.T) {
	stream := deflate(t, "commit 231\x00rest of the object body that is never inflated by the peek")

	objType, size, err := connectivity.PeekObjectHeader(stream)
	require.NoError(t, err)
	require.Equal(t, "commit", objType)
	require.EqualValues(t, 231, size)
}

func TestPeekObjectHeaderRejectsMissingTerminator(t *testing.T) {
	stream := deflate(t, "this object header never contains a nul byte at all within the peek bound and keeps going on and on")

	_, _, err := connectivity.PeekObjectHeader(stream)
	require.Error(t, err)
}

func TestPeekObjectHeaderRejectsMalformedHeader(t *testing.T) {
	stream := deflate(t, "noSpaceHere\x00body")

	_, _, err := connectivity.PeekObjectHeader(stream)
	require.Error(t, err)
}
