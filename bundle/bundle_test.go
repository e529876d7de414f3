package bundle_test

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/bundle"
)

func validBundle(pack string) string {
	return strings.Join([]string{
		"# v2 git bundle",
		"-1111111111111111111111111111111111111111 prerequisite commit",
		"2222222222222222222222222222222222222222 refs/heads/main",
		"",
		pack,
	}, "\n")
}

func TestParseValidBundle(t *testing.T) {
	b, err := bundle.Parse(strings.NewReader(validBundle("PACKDATA")))
	require.NoError(t, err)
	require.Len(t, b.Prerequisites, 1)
	require.Equal(t, "1111111111111111111111111111111111111111", b.Prerequisites[0].ObjectId.String())
	require.Equal(t, "prerequisite commit", b.Prerequisites[0].Comment)
	require.Len(t, b.Refs, 1)
	require.Equal(t, "refs/heads/main", b.Refs[0].Name)

	rest, err := io.ReadAll(b.Pack)
	require.NoError(t, err)
	require.Equal(t, "PACKDATA", string(rest))
}

func TestParseBundleWithoutPrerequisites(t *testing.T) {
	raw := strings.Join([]string{
		"# v2 git bundle",
		"3333333333333333333333333333333333333333 refs/heads/main",
		"",
		"PACK",
	}, "\n")

	b, err := bundle.Parse(strings.NewReader(raw))
	require.NoError(t, err)
	require.Empty(t, b.Prerequisites)
	require.Len(t, b.Refs, 1)
}

func TestParseRejectsWrongSignature(t *testing.T) {
	raw := "# v3 git bundle\n\nPACK"
	_, err := bundle.Parse(strings.NewReader(raw))
	require.Error(t, err)
}

func TestParseRejectsMalformedRefLine(t *testing.T) {
	raw := strings.Join([]string{
		"# v2 git bundle",
		"not-a-valid-line",
		"",
		"PACK",
	}, "\n")

	_, err := bundle.Parse(strings.NewReader(raw))
	require.Error(t, err)
	var malformed *bundle.ErrMalformed
	require.ErrorAs(t, err, &malformed)
}

func TestParseRejectsMalformedPrerequisite(t *testing.T) {
	raw := strings.Join([]string{
		"# v2 git bundle",
		"-not-a-hex-oid comment",
		"",
		"PACK",
	}, "\n")

	_, err := bundle.Parse(strings.NewReader(raw))
	require.Error(t, err)
}
