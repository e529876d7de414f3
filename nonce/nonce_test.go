package nonce_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/nonce"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	svc := nonce.NewService([]byte("test-seed"))
	n := svc.Generate(1700000000)

	status := svc.Verify(n, n, 1700000000, false, 0)
	require.Equal(t, nonce.StatusOK, status)
}

func TestVerifyUnsolicited(t *testing.T) {
	svc := nonce.NewService([]byte("seed"))
	n := svc.Generate(1700000000)

	status := svc.Verify(n, "", 1700000000, false, 0)
	require.Equal(t, nonce.StatusUnsolicited, status)
}

func TestVerifyMissing(t *testing.T) {
	svc := nonce.NewService([]byte("seed"))
	sent := svc.Generate(1700000000)

	status := svc.Verify("", sent, 1700000000, false, 0)
	require.Equal(t, nonce.StatusMissing, status)
}

func TestVerifyBadFormat(t *testing.T) {
	svc := nonce.NewService([]byte("seed"))
	sent := svc.Generate(1700000000)

	status := svc.Verify("not-a-nonce", sent, 1700000000, false, 0)
	require.Equal(t, nonce.StatusBad, status)
}

func TestVerifyBadHMAC(t *testing.T) {
	svc := nonce.NewService([]byte("seed"))
	sent := svc.Generate(1700000000)

	status := svc.Verify("1700000000-deadbeef", sent, 1700000000, false, 0)
	require.Equal(t, nonce.StatusBad, status)
}

func TestVerifySlopAcceptedWithinWindow(t *testing.T) {
	svc := nonce.NewService([]byte("seed"))
	sent := svc.Generate(1700000000)
	received := svc.Generate(1700000004)

	status := svc.Verify(received, sent, 1700000004, true, 5)
	require.Equal(t, nonce.StatusSlop, status)
}

func TestVerifySlopRejectedOutsideWindow(t *testing.T) {
	svc := nonce.NewService([]byte("seed"))
	sent := svc.Generate(1700000000)
	received := svc.Generate(1700000010)

	status := svc.Verify(received, sent, 1700000020, true, 5)
	require.Equal(t, nonce.StatusBad, status)
}

func TestVerifySlopDisallowedByDefault(t *testing.T) {
	svc := nonce.NewService([]byte("seed"))
	sent := svc.Generate(1700000000)
	received := svc.Generate(1700000002)

	status := svc.Verify(received, sent, 1700000002, false, 5)
	require.Equal(t, nonce.StatusBad, status)
}
