package wire

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

const protocolVersion3 = 196608 // 3 << 16

// sslRequestCode is the sentinel int32 sent as an untyped SSLRequest
// message, per spec.md §4.1.
const sslRequestCode = 80877103

// Endpoint names everything Connect needs to reach and, if TLS is
// configured, verify a server.
type Endpoint struct {
	Host        string
	Port        int
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

func (e Endpoint) network() string {
	if len(e.Host) > 0 && e.Host[0] == '/' {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) address() string {
	if e.network() == "unix" {
		return fmt.Sprintf("%s/.s.PGSQL.%d", e.Host, e.Port)
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Handle is one Postgres v3 protocol connection. It is not safe for
// concurrent use; the wire client never multiplexes (spec.md §4.1).
type Handle struct {
	conn  net.Conn
	r     *bufio.Reader
	state State

	// ParameterStatus values accumulated from the server, notably
	// server_version.
	Parameters map[string]string
	Database   string
}

// Connect opens a stream socket to endpoint and negotiates TLS if a CA
// file is configured, per spec.md §4.1's Connect operation.
func Connect(endpoint Endpoint, dialTimeout time.Duration) (*Handle, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.Dial(endpoint.network(), endpoint.address())
	if err != nil {
		return nil, protocolErrorf("connect: %v", err)
	}

	h := &Handle{conn: conn, r: bufio.NewReader(conn), state: StateFresh, Parameters: map[string]string{}}

	if endpoint.TLSCAFile != "" {
		if err := h.negotiateTLS(endpoint); err != nil {
			conn.Close()
			return nil, err
		}
	}

	h.state = StateSSLNegotiated
	return h, nil
}

func (h *Handle) negotiateTLS(endpoint Endpoint) error {
	// SSLRequest has no type byte; its length field (8) covers the
	// whole message including itself.
	req := make([]byte, 0, 8)
	req = append(req, 0, 0, 0, 8)
	var code [4]byte
	writeInt32(code[:], sslRequestCode)
	req = append(req, code[:]...)
	if _, err := h.conn.Write(req); err != nil {
		return protocolErrorf("sending SSLRequest: %v", err)
	}

	reply, err := h.r.ReadByte()
	if err != nil {
		return protocolErrorf("reading SSLRequest reply: %v", err)
	}
	switch reply {
	case 'N':
		return nil // plaintext continues
	case 'S':
		return h.upgradeTLS(endpoint)
	default:
		return protocolErrorf("unexpected SSLRequest reply byte %q", reply)
	}
}

func (h *Handle) upgradeTLS(endpoint Endpoint) error {
	cfg := &tls.Config{ServerName: endpoint.Host}
	if endpoint.TLSCAFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(endpoint.TLSCAFile)
		if err != nil {
			return protocolErrorf("reading tls_ca_file: %v", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return protocolErrorf("tls_ca_file %s contains no usable certificates", endpoint.TLSCAFile)
		}
		cfg.RootCAs = pool
	}
	if endpoint.TLSCertFile != "" && endpoint.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(endpoint.TLSCertFile, endpoint.TLSKeyFile)
		if err != nil {
			return protocolErrorf("loading client certificate: %v", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	tlsConn := tls.Client(h.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return protocolErrorf("tls handshake: %v", err)
	}
	h.conn = tlsConn
	h.r = bufio.NewReader(tlsConn)
	return nil
}

func writeInt32(b []byte, v int32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Close sends Terminate, shuts down TLS if present, and closes the
// socket.
func (h *Handle) Close() error {
	if h.state == StateTerminated {
		return nil
	}
	msg := newFrontendMessage('X').encode()
	_, _ = h.conn.Write(msg) // best-effort; Close proceeds regardless
	h.state = StateTerminated
	return h.conn.Close()
}

func (h *Handle) setDeadline(d time.Duration) {
	if d > 0 {
		_ = h.conn.SetDeadline(time.Now().Add(d))
	}
}

func (h *Handle) clearDeadline() {
	_ = h.conn.SetDeadline(time.Time{})
}

var _ io.Closer = (*Handle)(nil)
