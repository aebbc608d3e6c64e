package secrets

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()
	encoded, err := Encrypt("s3cr3t-password", key)
	require.NoError(t, err)

	plain, err := Decrypt(encoded, key)
	require.NoError(t, err)
	require.Equal(t, "s3cr3t-password", plain)
}

func TestEncryptProducesDistinctCiphertextPerCall(t *testing.T) {
	key := testKey()
	a, err := Encrypt("same-password", key)
	require.NoError(t, err)
	b, err := Encrypt("same-password", key)
	require.NoError(t, err)
	require.NotEqual(t, a, b, "random IVs must make repeat encryptions differ")
}

func TestLoadFileParsesColonDelimitedEntries(t *testing.T) {
	key := testKey()
	enc1, err := Encrypt("pw-one", key)
	require.NoError(t, err)
	enc2, err := Encrypt("pw-two", key)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "pgexporter_users.conf")
	content := "# comment\nalice:" + enc1 + "\nbob:" + enc2 + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	creds, err := LoadFile(path, key)
	require.NoError(t, err)
	require.Equal(t, []Credential{{Username: "alice", Password: "pw-one"}, {Username: "bob", Password: "pw-two"}}, creds)
}

func TestLoadFileRejectsMissingSeparator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.conf")
	require.NoError(t, os.WriteFile(path, []byte("alice-no-colon\n"), 0o600))

	_, err := LoadFile(path, testKey())
	require.Error(t, err)
}

func TestLoadMasterKeyRejectsWrongDirMode(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, MasterKeyDir)
	require.NoError(t, os.Mkdir(dir, 0o755))
	keyPath := filepath.Join(dir, MasterKeyFile)
	require.NoError(t, os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(testKey())), 0o600))

	_, err := LoadMasterKey(home)
	require.Error(t, err)
}

func TestLoadMasterKeyRejectsWrongFileMode(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, MasterKeyDir)
	require.NoError(t, os.Mkdir(dir, 0o700))
	keyPath := filepath.Join(dir, MasterKeyFile)
	require.NoError(t, os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(testKey())), 0o644))

	_, err := LoadMasterKey(home)
	require.Error(t, err)
}

func TestLoadMasterKeySucceedsWithCorrectModesAndLength(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, MasterKeyDir)
	require.NoError(t, os.Mkdir(dir, 0o700))
	keyPath := filepath.Join(dir, MasterKeyFile)
	require.NoError(t, os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(testKey())), 0o600))

	key, err := LoadMasterKey(home)
	require.NoError(t, err)
	require.Equal(t, testKey(), key)
}
