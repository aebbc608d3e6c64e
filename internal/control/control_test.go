package control

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pgexporter/pgexporter/internal/cache"
	"github.com/pgexporter/pgexporter/internal/config"
	"github.com/pgexporter/pgexporter/internal/scram"
	"github.com/stretchr/testify/require"
)

// selfSignedTLSConfig builds an ephemeral self-signed certificate for
// the management listener tests, the way
// cloudnative-pg's controller tests stand up a throwaway TLS identity.
func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}}}
}

func startManagementServer(t *testing.T, store *memStore, admins map[string]string) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	srv := &Server{
		SocketPath:     filepath.Join(dir, "ctl.sock"),
		Store:          store,
		Cache:          cache.New(1024, time.Second),
		Logger:         log.NewNopLogger(),
		ManagementAddr: "127.0.0.1:0",
		TLSConfig:      selfSignedTLSConfig(t),
		AdminPasswords: admins,
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	var addr string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if addr = srv.ManagementListenerAddr(); addr != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, addr, "management listener never bound")
	return srv, addr
}

type memStore struct {
	cfg *config.Config
}

func (m *memStore) Current() *config.Config  { return m.cfg }
func (m *memStore) Swap(next *config.Config) { m.cfg = next }

func startServer(t *testing.T, store *memStore) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ctl.sock")
	srv := &Server{
		SocketPath: sockPath,
		Store:      store,
		Cache:      cache.New(1024, time.Second),
		Logger:     log.NewNopLogger(),
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, sockPath
}

func sendRequest(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	var lenBuf [4]byte
	putUint32(lenBuf[:], uint32(len(body)))
	_, err = conn.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)

	raw, err := readFrame(conn)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func TestPingRespondsOK(t *testing.T) {
	store := &memStore{cfg: &config.Config{Servers: []*config.Server{{Name: "s1"}}}}
	_, sockPath := startServer(t, store)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := sendRequest(t, conn, Request{Command: "ping"})
	require.Equal(t, CategoryResponse, resp.Category)
}

func TestUnknownCommandReturnsError(t *testing.T) {
	store := &memStore{cfg: &config.Config{Servers: []*config.Server{{Name: "s1"}}}}
	_, sockPath := startServer(t, store)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := sendRequest(t, conn, Request{Command: "bogus"})
	require.Equal(t, CategoryError, resp.Category)
	require.Equal(t, ErrUnknownCommand, resp.Code)
}

func TestStatusReportsServerCount(t *testing.T) {
	store := &memStore{cfg: &config.Config{Servers: []*config.Server{{Name: "s1"}, {Name: "s2"}}}}
	_, sockPath := startServer(t, store)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := sendRequest(t, conn, Request{Command: "status"})
	require.Equal(t, CategoryResponse, resp.Category)
	payload, ok := resp.Payload.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(2), payload["servers"])
}

func TestStatusDetailsReportsNoForkWorkers(t *testing.T) {
	store := &memStore{cfg: &config.Config{Servers: []*config.Server{{Name: "s1"}}}}
	_, sockPath := startServer(t, store)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := sendRequest(t, conn, Request{Command: "status_details"})
	require.Equal(t, CategoryResponse, resp.Category)
	payload, ok := resp.Payload.(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, payload["workers"], "goroutine-per-request")
}

func TestConfGetUnknownKeyReturnsError(t *testing.T) {
	store := &memStore{cfg: &config.Config{Servers: []*config.Server{{Name: "s1"}}, Host: "*"}}
	_, sockPath := startServer(t, store)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := sendRequest(t, conn, Request{Command: "conf_get", Payload: json.RawMessage(`{"key":"bogus"}`)})
	require.Equal(t, CategoryError, resp.Category)
	require.Equal(t, ErrConfUnknownKey, resp.Code)
}

func TestConfGetKnownKeyReturnsValue(t *testing.T) {
	store := &memStore{cfg: &config.Config{Servers: []*config.Server{{Name: "s1"}}, Host: "*"}}
	_, sockPath := startServer(t, store)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := sendRequest(t, conn, Request{Command: "conf_get", Payload: json.RawMessage(`{"key":"host"}`)})
	require.Equal(t, CategoryResponse, resp.Category)
	payload, ok := resp.Payload.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "*", payload["host"])
}

func TestResetInvalidatesCache(t *testing.T) {
	store := &memStore{cfg: &config.Config{Servers: []*config.Server{{Name: "s1"}}}}
	srv, sockPath := startServer(t, store)

	ticket, err := srv.Cache.Acquire(time.Second)
	require.NoError(t, err)
	builder := ticket.Build()
	builder.Append([]byte("cached body"))
	builder.Finalize(time.Now())
	_, hit := ticket.Serve(time.Now())
	require.True(t, hit)
	ticket.Release()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	resp := sendRequest(t, conn, Request{Command: "reset"})
	require.Equal(t, CategoryResponse, resp.Category)

	ticket2, err := srv.Cache.Acquire(time.Second)
	require.NoError(t, err)
	defer ticket2.Release()
	_, hit2 := ticket2.Serve(time.Now())
	require.False(t, hit2, "reset must invalidate the cache")
}

func dialManagement(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	return conn
}

func scramHandshake(t *testing.T, conn net.Conn, username, password string) error {
	t.Helper()
	client, err := scram.NewClient(username, password)
	require.NoError(t, err)

	clientFirst := client.FirstMessage()
	require.NoError(t, writeFrame(conn, authRequest{Username: username, ClientFirst: strings.TrimPrefix(clientFirst, "n,,")}))

	raw, err := readFrame(conn)
	require.NoError(t, err)
	var challenge authChallenge
	require.NoError(t, json.Unmarshal(raw, &challenge))

	clientFinal, err := client.FinalMessage(challenge.ServerFirst)
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, authResponse{ClientFinal: clientFinal}))

	raw, err = readFrame(conn)
	require.NoError(t, err)
	var result authResult
	require.NoError(t, json.Unmarshal(raw, &result))
	if !result.OK {
		return fmt.Errorf("management auth failed: %s", result.Error)
	}
	return client.Verify(result.ServerFinal)
}

func TestManagementListenerCompletesScramAuthAndDispatches(t *testing.T) {
	store := &memStore{cfg: &config.Config{Servers: []*config.Server{{Name: "s1"}}}}
	_, addr := startManagementServer(t, store, map[string]string{"admin": "s3cret"})

	conn := dialManagement(t, addr)
	defer conn.Close()

	require.NoError(t, scramHandshake(t, conn, "admin", "s3cret"))

	resp := sendRequest(t, conn, Request{Command: "ping"})
	require.Equal(t, CategoryResponse, resp.Category)
}

func TestManagementListenerRejectsWrongPassword(t *testing.T) {
	store := &memStore{cfg: &config.Config{Servers: []*config.Server{{Name: "s1"}}}}
	_, addr := startManagementServer(t, store, map[string]string{"admin": "s3cret"})

	conn := dialManagement(t, addr)
	defer conn.Close()

	require.Error(t, scramHandshake(t, conn, "admin", "wrong-password"))
}

func TestManagementListenerRejectsUnknownUser(t *testing.T) {
	store := &memStore{cfg: &config.Config{Servers: []*config.Server{{Name: "s1"}}}}
	_, addr := startManagementServer(t, store, map[string]string{"admin": "s3cret"})

	conn := dialManagement(t, addr)
	defer conn.Close()

	require.Error(t, scramHandshake(t, conn, "ghost", "whatever"))
}
