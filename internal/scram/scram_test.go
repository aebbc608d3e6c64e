package scram

import (
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// serverFinalFor computes the server-side v= value the way a Postgres
// backend would, so the test can check Client.Verify against a
// from-scratch server simulation rather than a fixed fixture.
func serverFinalFor(t *testing.T, clientFirstBare, serverFirstMsg, clientFinalWithoutProof, password string, salt []byte, iterations int) string {
	t.Helper()
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	authMessage := strings.Join([]string{clientFirstBare, serverFirstMsg, clientFinalWithoutProof}, ",")
	sig := hmacSHA256(serverKey, []byte(authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(sig)
}

func TestScramExchangeEndToEnd(t *testing.T) {
	c, err := NewClient("user", "pencil")
	require.NoError(t, err)

	first := c.FirstMessage()
	require.True(t, strings.HasPrefix(first, "n,,n=user,r="))

	salt := []byte("QSXCR+Q6sek8bf92")
	iterations := 4096
	serverNonce := c.clientNonce + "%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0"
	serverFirstMsg := "r=" + serverNonce + ",s=" + base64.StdEncoding.EncodeToString(salt) + ",i=" + strconv.Itoa(iterations)

	finalMsg, err := c.FinalMessage(serverFirstMsg)
	require.NoError(t, err)
	require.Contains(t, finalMsg, "c=")
	require.Contains(t, finalMsg, "r="+serverNonce)
	require.Contains(t, finalMsg, "p=")

	// Reconstruct c=,r= portion to build the server-side AuthMessage.
	idx := strings.LastIndex(finalMsg, ",p=")
	clientFinalWithoutProof := finalMsg[:idx]

	serverFinal := serverFinalFor(t, c.clientFirstBare, serverFirstMsg, clientFinalWithoutProof, "pencil", salt, iterations)
	require.NoError(t, c.Verify(serverFinal))
}

func TestScramRejectsNonASCIIPassword(t *testing.T) {
	_, err := NewClient("user", "pässwörd")
	require.ErrorIs(t, err, ErrUnsupportedPassword)
}

func TestScramRejectsTamperedServerSignature(t *testing.T) {
	c, err := NewClient("user", "pencil")
	require.NoError(t, err)
	c.FirstMessage()

	salt := []byte("QSXCR+Q6sek8bf92")
	serverNonce := c.clientNonce + "suffix"
	serverFirstMsg := "r=" + serverNonce + ",s=" + base64.StdEncoding.EncodeToString(salt) + ",i=4096"
	_, err = c.FinalMessage(serverFirstMsg)
	require.NoError(t, err)

	err = c.Verify("v=" + base64.StdEncoding.EncodeToString([]byte("not-the-right-signature!")))
	require.Error(t, err)
}
