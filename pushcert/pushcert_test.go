package pushcert_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/pushcert"
)

func validCertificate() string {
	return strings.Join([]string{
		"version 0.1",
		"pusher Jane Doe <jane@example.com> 1700000000 +0000",
		"pushee https://example.com/repo.git",
		"nonce 1700000000-abcdef0123456789",
		"",
		"0000000000000000000000000000000000000000 aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa refs/heads/main",
		"",
		"-----BEGIN PGP SIGNATURE-----",
		"",
		"iQIzBAAB...",
		"-----END PGP SIGNATURE-----",
		"",
	}, "\n")
}

func TestParseValidCertificate(t *testing.T) {
	cert, err := pushcert.Parse(strings.NewReader(validCertificate()))
	require.NoError(t, err)
	require.Equal(t, "0.1", cert.Version)
	require.Equal(t, "1700000000-abcdef0123456789", cert.Nonce)
	require.Len(t, cert.Commands, 1)
	require.Contains(t, cert.RawSignature, "-----BEGIN PGP SIGNATURE-----")
	require.Contains(t, cert.RawSignature, "-----END PGP SIGNATURE-----")
	require.Contains(t, cert.TextPayload, "nonce 1700000000-abcdef0123456789")
	require.NotContains(t, cert.TextPayload, "BEGIN PGP SIGNATURE")
}

func TestParseRejectsWrongVersion(t *testing.T) {
	bad := strings.Replace(validCertificate(), "version 0.1", "version 9.9", 1)
	_, err := pushcert.Parse(strings.NewReader(bad))
	require.Error(t, err)
	var malformed *pushcert.ErrMalformed
	require.ErrorAs(t, err, &malformed)
}

func TestParseRejectsMissingNonce(t *testing.T) {
	lines := strings.Split(validCertificate(), "\n")
	var out []string
	for _, l := range lines {
		if strings.HasPrefix(l, "nonce ") {
			continue
		}
		out = append(out, l)
	}
	_, err := pushcert.Parse(strings.NewReader(strings.Join(out, "\n")))
	require.Error(t, err)
}

func TestParseRejectsSignatureNotStartingWithBeginMarker(t *testing.T) {
	bad := strings.Replace(validCertificate(), "-----BEGIN PGP SIGNATURE-----\n", "garbage\n", 1)
	_, err := pushcert.Parse(strings.NewReader(bad))
	require.Error(t, err)
}

func TestParseRejectsEmptyCommandBlock(t *testing.T) {
	bad := strings.Replace(validCertificate(),
		"0000000000000000000000000000000000000000 aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa refs/heads/main\n", "", 1)
	_, err := pushcert.Parse(strings.NewReader(bad))
	require.Error(t, err)
}

func TestParseRejectsTruncatedInput(t *testing.T) {
	truncated := "version 0.1\npusher x\nnonce abc\n\n"
	_, err := pushcert.Parse(strings.NewReader(truncated))
	require.Error(t, err)
}
