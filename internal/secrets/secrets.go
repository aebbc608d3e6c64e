// Package secrets implements spec.md §6's users/admins file format:
// colon-delimited "username:base64(AES-256-CBC(password, master_key))"
// entries decrypted against a master key read from
// $HOME/.pgexporter/master.key, per original_source/security.c
// (SPEC_FULL.md's supplemented features).
package secrets

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MasterKeyDir and MasterKeyFile give the fixed layout under $HOME that
// original_source/security.c enforces mode checks against.
const (
	MasterKeyDir  = ".pgexporter"
	MasterKeyFile = "master.key"
)

// Credential is one decrypted username/password pair.
type Credential struct {
	Username string
	Password string
}

// LoadMasterKey reads and base64-decodes the master key under homeDir,
// verifying the directory is mode 0700 and the key file is mode 0600,
// per spec.md §6. The owner of the directory and file is not checked.
func LoadMasterKey(homeDir string) ([]byte, error) {
	dir := filepath.Join(homeDir, MasterKeyDir)
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("secrets: stat %s: %w", dir, err)
	}
	if dirInfo.Mode().Perm() != 0o700 {
		return nil, fmt.Errorf("secrets: %s must be mode 0700, found %o", dir, dirInfo.Mode().Perm())
	}

	path := filepath.Join(dir, MasterKeyFile)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: stat %s: %w", path, err)
	}
	if info.Mode().Perm() != 0o600 {
		return nil, fmt.Errorf("secrets: %s must be mode 0600, found %o", path, info.Mode().Perm())
	}

	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: reading %s: %w", path, err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("secrets: decoding master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: master key must be 32 bytes for AES-256, got %d", len(key))
	}
	return key, nil
}

// LoadFile parses a users/admins file at path, decrypting every
// password against key.
func LoadFile(path string, key []byte) ([]Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: opening %s: %w", path, err)
	}
	defer f.Close()

	var creds []Credential
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("secrets: %s:%d: missing ':' separator", path, lineNo)
		}
		username := line[:idx]
		encoded := line[idx+1:]
		password, err := Decrypt(encoded, key)
		if err != nil {
			return nil, fmt.Errorf("secrets: %s:%d: %w", path, lineNo, err)
		}
		creds = append(creds, Credential{Username: username, Password: password})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: reading %s: %w", path, err)
	}
	return creds, nil
}

// Decrypt reverses Encrypt: base64-decode then AES-256-CBC decrypt,
// the stored ciphertext carrying the IV as its first block.
func Decrypt(encoded string, key []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("constructing AES cipher: %w", err)
	}
	blockSize := block.BlockSize()
	if len(raw) < blockSize || len(raw)%blockSize != 0 {
		return "", fmt.Errorf("ciphertext is not a valid multiple of the block size")
	}

	iv := raw[:blockSize]
	ciphertext := raw[blockSize:]
	if len(ciphertext) == 0 {
		return "", fmt.Errorf("ciphertext is empty after stripping IV")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return string(unpad(plaintext)), nil
}

// Encrypt produces the same "IV || AES-256-CBC(PKCS#7 pad(password))"
// then base64-encodes it, matching what Decrypt expects.
func Encrypt(password string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("constructing AES cipher: %w", err)
	}
	blockSize := block.BlockSize()
	padded := pad([]byte(password), blockSize)

	iv := make([]byte, blockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	out := make([]byte, blockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[blockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > len(data) {
		return data
	}
	return data[:len(data)-padLen]
}
