package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	serverNonceLength = 18
	defaultIterations = 4096
)

// Server drives the server side of one SCRAM-SHA-256 exchange against a
// known admin password, for internal/control's TLS+SCRAM management
// listener (spec.md §6). Single-use: create a new Server per connection.
type Server struct {
	username string
	password string

	clientNonce     string
	serverNonce     string
	clientFirstBare string
	serverFirstMsg  string
	salt            []byte
	iterations      int
}

// NewServer prepares a server-side exchange for username against its
// known plaintext password (decrypted from the admins file by the
// caller).
func NewServer(username, password string) *Server {
	return &Server{username: username, password: password}
}

// FirstMessage consumes the client-first-bare message ("n=user,r=nonce",
// without the GS2 header) and returns the server-first-message,
// generating a fresh salt and extending the client nonce.
func (s *Server) FirstMessage(clientFirstBare string) (string, error) {
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			s.clientNonce = part[2:]
		}
	}
	if s.clientNonce == "" {
		return "", fmt.Errorf("scram: malformed client-first-message %q", clientFirstBare)
	}
	s.clientFirstBare = clientFirstBare

	nonceSuffix, err := randomNonce(serverNonceLength)
	if err != nil {
		return "", fmt.Errorf("scram: generating server nonce: %w", err)
	}
	s.serverNonce = s.clientNonce + nonceSuffix

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("scram: generating salt: %w", err)
	}
	s.salt = salt
	s.iterations = defaultIterations

	s.serverFirstMsg = fmt.Sprintf("r=%s,s=%s,i=%d", s.serverNonce, base64.StdEncoding.EncodeToString(salt), s.iterations)
	return s.serverFirstMsg, nil
}

// FinalMessage verifies the client-final-message's proof against the
// known password and, on success, returns the server-final-message
// ("v=...") to send back.
func (s *Server) FinalMessage(clientFinalMsg string) (string, error) {
	var channelBinding, nonce, proofB64 string
	for _, part := range strings.Split(clientFinalMsg, ",") {
		if len(part) < 2 || part[1] != '=' {
			continue
		}
		switch part[0] {
		case 'c':
			channelBinding = part[2:]
		case 'r':
			nonce = part[2:]
		case 'p':
			proofB64 = part[2:]
		}
	}
	if nonce != s.serverNonce || proofB64 == "" {
		return "", fmt.Errorf("scram: malformed client-final-message %q", clientFinalMsg)
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", fmt.Errorf("scram: invalid proof encoding: %w", err)
	}

	saltedPassword := pbkdf2.Key([]byte(s.password), s.salt, s.iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, nonce)
	authMessage := strings.Join([]string{s.clientFirstBare, s.serverFirstMsg, clientFinalWithoutProof}, ",")

	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	recoveredClientKey := xorBytes(proof, clientSignature)
	recoveredStoredKey := sha256.Sum256(recoveredClientKey)
	if !hmac.Equal(recoveredStoredKey[:], storedKey[:]) {
		return "", fmt.Errorf("scram: client proof verification failed")
	}

	serverSignature := hmacSHA256(serverKey, []byte(authMessage))
	return fmt.Sprintf("v=%s", base64.StdEncoding.EncodeToString(serverSignature)), nil
}
