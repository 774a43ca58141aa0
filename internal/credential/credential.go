// Package credential seals agent credentials to an owner's age key. Sealed
// values are base64 so they fit in JSON and SQLite text columns.
package credential

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/natefinch/atomic"
)

// Identity is an x25519 private key. It must never be logged or persisted
// outside its key file.
type Identity struct {
	key *age.X25519Identity
}

func GenerateIdentity() (*Identity, error) {
	key, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	return &Identity{key: key}, nil
}

func ParseIdentity(s string) (*Identity, error) {
	key, err := age.ParseX25519Identity(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return &Identity{key: key}, nil
}

// Recipient is the public half, safe to publish.
func (i *Identity) Recipient() string {
	return i.key.Recipient().String()
}

// LoadOrCreateIdentity reads the identity at path, creating one with mode 0600
// when the file does not exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ParseIdentity(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(id.key.String()+"\n")); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return nil, fmt.Errorf("restrict identity file: %w", err)
	}
	return id, nil
}

// Seal encrypts plaintext to every recipient.
func Seal(plaintext []byte, recipients ...string) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	parsed := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(r))
		if err != nil {
			return "", fmt.Errorf("parse recipient %q: %w", r, err)
		}
		parsed = append(parsed, recipient)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, parsed...)
	if err != nil {
		return "", fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finish encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a value produced by Seal.
func Open(sealed string, id *Identity) ([]byte, error) {
	if id == nil {
		return nil, fmt.Errorf("no identity to open credential")
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed credential: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), id.key)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	return plaintext, nil
}
