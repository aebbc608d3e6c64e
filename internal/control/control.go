// Package control implements spec.md §4.7 (C7): a length-prefixed JSON
// RPC server over a Unix-domain socket for ping, shutdown, reload,
// reset, status, status_details, conf_get, and conf_set.
package control

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pgexporter/pgexporter/internal/cache"
	"github.com/pgexporter/pgexporter/internal/config"
	"github.com/pgexporter/pgexporter/internal/scram"
)

// Category distinguishes a response from an error reply, per spec.md
// §4.7's "{category: response | error, start, end, payload}".
type Category string

const (
	CategoryResponse Category = "response"
	CategoryError    Category = "error"
)

// Error codes, command-scoped per spec.md §7's ControlPlane error kind.
const (
	ErrUnknownCommand   = 1
	ErrMalformedRequest = 2
	ErrReloadInvalid    = 3
	ErrConfUnknownKey   = 4
	// ErrStatusNoFork names the "no fork-per-connection process tree"
	// condition (spec.md §9's non-fork redesign: workers here are
	// goroutines, not child processes). No command returns it:
	// status_details reports the worker model as a plain string instead.
	ErrStatusNoFork = 5
)

// Request is the decoded command envelope; Payload is re-decoded by
// each command handler according to its own shape.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the length-prefixed JSON reply envelope.
type Response struct {
	Category Category    `json:"category"`
	Start    time.Time   `json:"start"`
	End      time.Time   `json:"end"`
	Payload  interface{} `json:"payload,omitempty"`
	Code     int         `json:"code,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// ConfigStore is the live configuration holder the control plane
// mutates under reload, satisfied by a process-wide
// atomically-swapped pointer per spec.md §9's non-fork redesign
// ("the configuration becoming an atomically-swapped immutable
// snapshot").
type ConfigStore interface {
	Current() *config.Config
	Swap(next *config.Config)
}

// Server accepts control connections on a Unix-domain socket, and
// optionally on a TLS-wrapped TCP management listener gated on
// ManagementAddr (spec.md §6: "also exposed over TCP with TLS and
// SCRAM-SHA-256 admin authentication when management port > 0").
type Server struct {
	SocketPath string
	ConfigPath string
	Store      ConfigStore
	Cache      *cache.Cache
	Logger     log.Logger
	ShutdownFn func()

	// ManagementAddr, TLSConfig, and AdminPasswords are only consulted
	// when ManagementAddr is non-empty. AdminPasswords maps an admin
	// username to its known plaintext password (decrypted from the
	// admins file), against which every TCP connection must complete a
	// SCRAM-SHA-256 exchange before its one RPC command is honored.
	ManagementAddr string
	TLSConfig      *tls.Config
	AdminPasswords map[string]string

	mu                 sync.Mutex
	listener           net.Listener
	managementListener net.Listener
}

// Serve listens on SocketPath, and on ManagementAddr when configured,
// handling connections until Close is called or a listener fails.
func (s *Server) Serve() error {
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", s.SocketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.ManagementAddr != "" {
		if s.TLSConfig == nil {
			return fmt.Errorf("control: management listener at %s requires a TLS config", s.ManagementAddr)
		}
		mln, err := tls.Listen("tcp", s.ManagementAddr, s.TLSConfig)
		if err != nil {
			return fmt.Errorf("control: listening on management address %s: %w", s.ManagementAddr, err)
		}
		s.mu.Lock()
		s.managementListener = mln
		s.mu.Unlock()
		go s.acceptLoop(mln, s.handleManagementConn)
	}

	return s.acceptLoop(ln, s.handleConn)
}

// ManagementListenerAddr returns the management listener's actual bound
// address, or "" before it has started. Useful for tests that bind to
// port 0 and need to discover the chosen port.
func (s *Server) ManagementListenerAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.managementListener == nil {
		return ""
	}
	return s.managementListener.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go handle(conn)
	}
}

// Close stops accepting new connections on both listeners.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.managementListener != nil {
		if mErr := s.managementListener.Close(); mErr != nil && err == nil {
			err = mErr
		}
	}
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	requestID := uuid.NewString()
	logger := log.With(s.Logger, "request_id", requestID)

	req, err := readFrame(conn)
	if err != nil {
		level.Warn(logger).Log("msg", "malformed control request", "err", err)
		writeFrame(conn, errorResponse(ErrMalformedRequest, err.Error()))
		return
	}

	var request Request
	if err := json.Unmarshal(req, &request); err != nil {
		writeFrame(conn, errorResponse(ErrMalformedRequest, err.Error()))
		return
	}

	resp := s.dispatch(logger, request)
	if err := writeFrame(conn, resp); err != nil {
		level.Warn(logger).Log("msg", "writing control response", "err", err)
	}
}

// authRequest/authChallenge/authResponse/authResult frame the
// SCRAM-SHA-256 handshake the management TCP listener requires before
// any RPC command is dispatched. The Unix socket skips this entirely
// (it is reachable only by local, already-privileged clients).
type authRequest struct {
	Username    string `json:"username"`
	ClientFirst string `json:"client_first"`
}

type authChallenge struct {
	ServerFirst string `json:"server_first"`
}

type authResponse struct {
	ClientFinal string `json:"client_final"`
}

type authResult struct {
	OK          bool   `json:"ok"`
	ServerFinal string `json:"server_final,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleManagementConn runs the SCRAM-SHA-256 admin handshake over a
// TLS connection, then — on success — dispatches exactly one RPC
// command the same way the Unix socket does.
func (s *Server) handleManagementConn(conn net.Conn) {
	defer conn.Close()
	requestID := uuid.NewString()
	logger := log.With(s.Logger, "request_id", requestID, "transport", "management")

	raw, err := readFrame(conn)
	if err != nil {
		level.Warn(logger).Log("msg", "malformed management auth request", "err", err)
		return
	}
	var authReq authRequest
	if err := json.Unmarshal(raw, &authReq); err != nil {
		writeFrame(conn, authResult{Error: "malformed auth request"})
		return
	}

	password, ok := s.AdminPasswords[authReq.Username]
	if !ok {
		level.Warn(logger).Log("msg", "management auth: unknown admin user", "username", authReq.Username)
		writeFrame(conn, authResult{Error: "authentication failed"})
		return
	}

	srv := scram.NewServer(authReq.Username, password)
	serverFirst, err := srv.FirstMessage(authReq.ClientFirst)
	if err != nil {
		level.Warn(logger).Log("msg", "management auth: malformed client-first", "err", err)
		writeFrame(conn, authResult{Error: "authentication failed"})
		return
	}
	if err := writeFrame(conn, authChallenge{ServerFirst: serverFirst}); err != nil {
		return
	}

	raw, err = readFrame(conn)
	if err != nil {
		return
	}
	var finalReq authResponse
	if err := json.Unmarshal(raw, &finalReq); err != nil {
		writeFrame(conn, authResult{Error: "malformed auth response"})
		return
	}

	serverFinal, err := srv.FinalMessage(finalReq.ClientFinal)
	if err != nil {
		level.Warn(logger).Log("msg", "management auth failed", "username", authReq.Username, "err", err)
		writeFrame(conn, authResult{Error: "authentication failed"})
		return
	}
	if err := writeFrame(conn, authResult{OK: true, ServerFinal: serverFinal}); err != nil {
		return
	}

	req, err := readFrame(conn)
	if err != nil {
		level.Warn(logger).Log("msg", "malformed control request", "err", err)
		writeFrame(conn, errorResponse(ErrMalformedRequest, err.Error()))
		return
	}
	var request Request
	if err := json.Unmarshal(req, &request); err != nil {
		writeFrame(conn, errorResponse(ErrMalformedRequest, err.Error()))
		return
	}
	resp := s.dispatch(logger, request)
	if err := writeFrame(conn, resp); err != nil {
		level.Warn(logger).Log("msg", "writing control response", "err", err)
	}
}

func (s *Server) dispatch(logger log.Logger, req Request) Response {
	start := time.Now()
	switch req.Command {
	case "ping":
		return ok(start, map[string]string{"pong": "pgexporter"})
	case "shutdown":
		level.Info(logger).Log("msg", "shutdown requested over control socket")
		if s.ShutdownFn != nil {
			go s.ShutdownFn()
		}
		return ok(start, nil)
	case "reset":
		s.resetCache()
		return ok(start, nil)
	case "status":
		return ok(start, s.status())
	case "status_details":
		return ok(start, s.statusDetails())
	case "reload":
		return s.handleReload(start, logger)
	case "conf_get":
		return s.handleConfGet(start, req.Payload)
	case "conf_set":
		return errorResp(start, ErrConfUnknownKey, "conf_set is not supported: configuration is read-only at runtime except via reload")
	default:
		return errorResp(start, ErrUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}
}

func (s *Server) resetCache() {
	ticket, err := s.Cache.Acquire(5 * time.Second)
	if err != nil {
		return
	}
	defer ticket.Release()
	ticket.Invalidate()
}

type statusPayload struct {
	Servers int `json:"servers"`
	Metrics int `json:"metrics_cache_max_age_seconds"`
}

func (s *Server) status() statusPayload {
	cfg := s.Store.Current()
	return statusPayload{
		Servers: len(cfg.Servers),
		Metrics: int(cfg.MetricsCacheMaxAge.Seconds()),
	}
}

type statusDetailPayload struct {
	statusPayload
	Workers string `json:"workers"`
}

// statusDetails reports ErrStatusNoFork-flavored worker information:
// there is no process tree to introspect in the goroutine-per-request
// model, so the field documents that explicitly rather than fabricating
// PIDs.
func (s *Server) statusDetails() statusDetailPayload {
	return statusDetailPayload{statusPayload: s.status(), Workers: "goroutine-per-request; no forked worker processes to report"}
}

// handleReload re-reads the configuration file at ConfigPath into a
// staging config, validates, diffs against the live config for
// restart-required fields, and swaps on success, per spec.md §4.7's
// Reload semantics.
func (s *Server) handleReload(start time.Time, logger log.Logger) Response {
	live := s.Store.Current()
	staged, err := config.Load(s.ConfigPath)
	if err != nil {
		level.Warn(logger).Log("msg", "reload: staging config invalid, keeping live config", "err", err)
		return errorResp(start, ErrReloadInvalid, err.Error())
	}
	if err := staged.Validate(); err != nil {
		level.Warn(logger).Log("msg", "reload: staging config failed validation", "err", err)
		return errorResp(start, ErrReloadInvalid, err.Error())
	}

	restart := live.RestartRequired(staged)
	if !restart {
		s.Store.Swap(staged)
		s.resetCache()
	}
	return ok(start, map[string]bool{"restart": restart})
}

func (s *Server) handleConfGet(start time.Time, payload json.RawMessage) Response {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResp(start, ErrMalformedRequest, err.Error())
	}
	value, ok2 := s.Store.Current().Get(req.Key)
	if !ok2 {
		return errorResp(start, ErrConfUnknownKey, fmt.Sprintf("unknown configuration key %q", req.Key))
	}
	return ok(start, map[string]string{req.Key: value})
}

func ok(start time.Time, payload interface{}) Response {
	return Response{Category: CategoryResponse, Start: start, End: time.Now(), Payload: payload}
}

func errorResp(start time.Time, code int, message string) Response {
	return Response{Category: CategoryError, Start: start, End: time.Now(), Code: code, Message: message}
}

func errorResponse(code int, message string) Response {
	now := time.Now()
	return Response{Category: CategoryError, Start: now, End: now, Code: code, Message: message}
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("control: reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("control: reading frame body: %w", err)
	}
	return body, nil
}

func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// Status dials the Unix control socket at socketPath and issues a
// "status" command, returning its payload decoded as a generic map —
// the shape internal/console's StatusFetcher needs to fold the
// management status block into the console (spec.md §4.6).
func Status(socketPath string) (map[string]interface{}, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("control: dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := writeFrame(conn, Request{Command: "status"}); err != nil {
		return nil, fmt.Errorf("control: sending status request: %w", err)
	}
	raw, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("control: reading status response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("control: decoding status response: %w", err)
	}
	if resp.Category == CategoryError {
		return nil, fmt.Errorf("control: status: %s", resp.Message)
	}
	encoded, err := json.Marshal(resp.Payload)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}
