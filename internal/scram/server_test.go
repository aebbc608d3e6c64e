package scram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServerClientExchangeEndToEnd(t *testing.T) {
	client, err := NewClient("admin", "s3cret")
	require.NoError(t, err)
	server := NewServer("admin", "s3cret")

	clientFirst := client.FirstMessage()
	clientFirstBare := strings.TrimPrefix(clientFirst, "n,,")

	serverFirst, err := server.FirstMessage(clientFirstBare)
	require.NoError(t, err)

	clientFinal, err := client.FinalMessage(serverFirst)
	require.NoError(t, err)

	serverFinal, err := server.FinalMessage(clientFinal)
	require.NoError(t, err)
	require.NoError(t, client.Verify(serverFinal))
}

func TestServerRejectsWrongPassword(t *testing.T) {
	client, err := NewClient("admin", "s3cret")
	require.NoError(t, err)
	server := NewServer("admin", "wrong-password")

	clientFirstBare := strings.TrimPrefix(client.FirstMessage(), "n,,")
	serverFirst, err := server.FirstMessage(clientFirstBare)
	require.NoError(t, err)

	clientFinal, err := client.FinalMessage(serverFirst)
	require.NoError(t, err)

	_, err = server.FinalMessage(clientFinal)
	require.Error(t, err)
}

func TestServerRejectsMalformedClientFirst(t *testing.T) {
	server := NewServer("admin", "s3cret")
	_, err := server.FirstMessage("not-a-scram-message")
	require.Error(t, err)
}
