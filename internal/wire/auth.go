package wire

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/pgexporter/pgexporter/internal/scram"
)

// Authenticate sends StartupMessage and drives whatever authentication
// exchange the server requests, per spec.md §4.1. authTimeout, when
// non-nil, gives the number of seconds the whole exchange may take; the
// connection deadline is cleared again when Authenticate returns.
func (h *Handle) Authenticate(user, password, database string, authTimeout func() int) error {
	if authTimeout != nil {
		h.setDeadline(time.Duration(authTimeout()) * time.Second)
		defer h.clearDeadline()
	}
	if err := h.sendStartup(user, database); err != nil {
		return err
	}
	h.state = StateStartup

	for {
		msg, err := readBackendMessage(h.r)
		if err != nil {
			return protocolErrorf("reading auth message: %v", err)
		}
		switch msg.typeByte {
		case backendAuthentication:
			done, err := h.handleAuthMessage(msg, user, password)
			if err != nil {
				return err
			}
			if done {
				h.state = StateAuthenticating
			}
		case backendParameterStatus:
			c := newCursor(msg.body)
			k, _ := c.cstring()
			v, _ := c.cstring()
			h.Parameters[k] = v
		case backendBackendKeyData:
			// process id + secret key; not needed for introspection-only use.
		case backendReadyForQuery:
			h.state = StateIdle
			h.Database = database
			return nil
		case backendErrorResponse:
			_, message := parseErrorFieldsSplit(msg.body)
			return authErrorf(KindAuthBadPassword, "%s", message)
		case backendNegotiateVersion:
			// server requests an older protocol version; continue, the
			// client already asked for the minimum it needs.
		default:
			return protocolErrorf("unexpected message %q during authentication", msg.typeByte)
		}
	}
}

func (h *Handle) sendStartup(user, database string) error {
	m := newFrontendMessage(0).int32(protocolVersion3)
	m.cstring("user").cstring(user)
	m.cstring("database").cstring(database)
	m.cstring("application_name").cstring("pgexporter")
	m.buf = append(m.buf, 0)
	return writeMessage(h.conn, m)
}

// handleAuthMessage dispatches one 'R' AuthenticationX message. It
// returns done=true once the exchange is fully satisfied (AuthOk), or
// performs the next leg of a multi-message exchange and returns
// done=false.
func (h *Handle) handleAuthMessage(msg *backendMessage, user, password string) (bool, error) {
	c := newCursor(msg.body)
	code, err := c.int32()
	if err != nil {
		return false, protocolErrorf("reading authentication code: %v", err)
	}

	switch code {
	case authOK:
		return true, nil

	case authCleartextPassword:
		return false, h.sendPassword(password)

	case authMD5Password:
		salt, err := c.bytes(4)
		if err != nil {
			return false, protocolErrorf("reading md5 salt: %v", err)
		}
		return false, h.sendPassword(md5Password(user, password, salt))

	case authSASL:
		return false, h.doSCRAM(c, user, password)

	default:
		return false, authErrorf(KindAuthUnsupported, "unsupported authentication code %d", code)
	}
}

func (h *Handle) sendPassword(password string) error {
	m := newFrontendMessage('p').cstring(password)
	return writeMessage(h.conn, m)
}

func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

// doSCRAM consumes the list of SASL mechanisms offered in the initial
// AuthenticationSASL message, requires SCRAM-SHA-256, and runs the
// four-message exchange of spec.md §4.1.
func (h *Handle) doSCRAM(c *cursor, user, password string) error {
	var mechanisms []string
	for {
		m, err := c.cstring()
		if err != nil {
			return protocolErrorf("reading SASL mechanism list: %v", err)
		}
		if m == "" {
			break
		}
		mechanisms = append(mechanisms, m)
	}
	found := false
	for _, m := range mechanisms {
		if m == "SCRAM-SHA-256" {
			found = true
			break
		}
	}
	if !found {
		return authErrorf(KindAuthUnsupported, "server does not offer SCRAM-SHA-256 (offered: %v)", mechanisms)
	}

	client, err := scram.NewClient(user, password)
	if err != nil {
		return authErrorf(KindAuthUnsupported, "%v", err)
	}

	first := client.FirstMessage()
	initial := newFrontendMessage('p').cstring("SCRAM-SHA-256").int32(int32(len(first))).bytes([]byte(first))
	if err := writeMessage(h.conn, initial); err != nil {
		return protocolErrorf("sending SASLInitialResponse: %v", err)
	}

	msg, err := readBackendMessage(h.r)
	if err != nil {
		return protocolErrorf("reading SASLContinue: %v", err)
	}
	if msg.typeByte == backendErrorResponse {
		_, message := parseErrorFieldsSplit(msg.body)
		return authErrorf(KindAuthBadPassword, "%s", message)
	}
	if msg.typeByte != backendAuthentication {
		return protocolErrorf("unexpected message %q, want SASLContinue", msg.typeByte)
	}
	ac := newCursor(msg.body)
	subCode, err := ac.int32()
	if err != nil || subCode != authSASLContinue {
		return protocolErrorf("expected AuthenticationSASLContinue, got code %d", subCode)
	}
	serverFirst := string(msg.body[4:])

	finalMsg, err := client.FinalMessage(serverFirst)
	if err != nil {
		return authErrorf(KindAuthBadPassword, "%v", err)
	}

	resp := newFrontendMessage('p').bytes([]byte(finalMsg))
	if err := writeMessage(h.conn, resp); err != nil {
		return protocolErrorf("sending SASLResponse: %v", err)
	}

	msg, err = readBackendMessage(h.r)
	if err != nil {
		return protocolErrorf("reading SASLFinal: %v", err)
	}
	if msg.typeByte == backendErrorResponse {
		_, message := parseErrorFieldsSplit(msg.body)
		return authErrorf(KindAuthBadPassword, "%s", message)
	}
	if msg.typeByte != backendAuthentication {
		return protocolErrorf("unexpected message %q, want SASLFinal", msg.typeByte)
	}
	fc := newCursor(msg.body)
	subCode, err = fc.int32()
	if err != nil || subCode != authSASLFinal {
		return protocolErrorf("expected AuthenticationSASLFinal, got code %d", subCode)
	}
	serverFinal := string(msg.body[4:])
	if err := client.Verify(serverFinal); err != nil {
		return authErrorf(KindAuthBadPassword, "%v", err)
	}

	// The final AuthenticationOk ('R', code 0) follows separately and is
	// consumed by the caller's read loop.
	return nil
}
