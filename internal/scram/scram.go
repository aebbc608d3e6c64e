// Package scram implements the client side of the SCRAM-SHA-256
// exchange described in spec.md §4.1: client-first-bare, server-first
// parsing, PBKDF2 key derivation, and client-final proof/verification.
//
// The source pgexporter project reuses a single server-first-message
// buffer across the exchange; spec.md §9 calls that out explicitly and
// requires that buffers here outlive the final-message verification.
// Client keeps its own copies rather than aliasing caller-owned slices
// to make that safe by construction.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/crypto/pbkdf2"
)

const clientNonceLength = 18

// Client drives one SCRAM-SHA-256 exchange. It is single-use: create a
// new Client per authentication attempt.
type Client struct {
	username string
	password string

	clientNonce      string
	serverFirst      string // retained for AuthMessage construction at final-message time
	clientFirstBare  string
	serverSignature  []byte
}

// NewClient validates the password is printable ASCII (spec.md §4.1:
// "Password is NFC-restricted to printable ASCII; any non-ASCII byte
// fails with AuthUnsupported") and prepares a client for one exchange.
func NewClient(username, password string) (*Client, error) {
	for _, r := range password {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return nil, ErrUnsupportedPassword
		}
	}
	nonce, err := randomNonce(clientNonceLength)
	if err != nil {
		return nil, fmt.Errorf("scram: generating client nonce: %w", err)
	}
	return &Client{username: username, password: password, clientNonce: nonce}, nil
}

// ErrUnsupportedPassword is returned when the password contains
// non-ASCII bytes, mapped by the wire client to AuthUnsupported.
var ErrUnsupportedPassword = fmt.Errorf("scram: password is not printable ASCII")

func randomNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// FirstMessage returns the client-first-bare message ("n=user,r=nonce")
// with the GS2 header "n,," prefixed, ready to embed in a SASLInitialResponse.
func (c *Client) FirstMessage() string {
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeSASLName(c.username), c.clientNonce)
	return "n,," + c.clientFirstBare
}

func escapeSASLName(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, ",", "=2C")
	return s
}

type serverFirst struct {
	nonce      string
	salt       []byte
	iterations int
}

func parseServerFirst(msg string) (serverFirst, error) {
	var sf serverFirst
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 || part[1] != '=' {
			continue
		}
		switch part[0] {
		case 'r':
			sf.nonce = part[2:]
		case 's':
			salt, err := base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return sf, fmt.Errorf("scram: invalid salt encoding: %w", err)
			}
			sf.salt = salt
		case 'i':
			n, err := strconv.Atoi(part[2:])
			if err != nil {
				return sf, fmt.Errorf("scram: invalid iteration count: %w", err)
			}
			sf.iterations = n
		}
	}
	if sf.nonce == "" || len(sf.salt) == 0 || sf.iterations <= 0 {
		return sf, fmt.Errorf("scram: malformed server-first-message %q", msg)
	}
	return sf, nil
}

// FinalMessage consumes the server-first-message, derives the salted
// password via PBKDF2-HMAC-SHA-256, and returns the client-final
// message containing the base64 ClientProof. It also computes and
// retains the expected ServerSignature for later verification by
// Verify.
func (c *Client) FinalMessage(serverFirstMsg string) (string, error) {
	sf, err := parseServerFirst(serverFirstMsg)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(sf.nonce, c.clientNonce) {
		return "", fmt.Errorf("scram: server nonce does not extend client nonce")
	}
	c.serverFirst = serverFirstMsg

	saltedPassword := pbkdf2.Key([]byte(c.password), sf.salt, sf.iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, sf.nonce)

	authMessage := strings.Join([]string{c.clientFirstBare, serverFirstMsg, clientFinalWithoutProof}, ",")

	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	serverSig := hmacSHA256(serverKey, []byte(authMessage))
	c.serverSignature = serverSig

	return fmt.Sprintf("%s,p=%s", clientFinalWithoutProof, base64.StdEncoding.EncodeToString(clientProof)), nil
}

// Verify checks the server-final-message's "v=" value against the
// ServerSignature computed in FinalMessage.
func (c *Client) Verify(serverFinalMsg string) error {
	if !strings.HasPrefix(serverFinalMsg, "v=") {
		return fmt.Errorf("scram: malformed server-final-message %q", serverFinalMsg)
	}
	got, err := base64.StdEncoding.DecodeString(serverFinalMsg[2:])
	if err != nil {
		return fmt.Errorf("scram: invalid server signature encoding: %w", err)
	}
	if !hmac.Equal(got, c.serverSignature) {
		return fmt.Errorf("scram: server signature mismatch")
	}
	return nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
