// Package identity maps caller identities to provider credentials and
// hands the rest of the service ready-to-use calendar handles. The
// engine never sees tokens; it only receives a bound handle.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/oauth2"
)

// ErrNoBinding means no credentials are on file for the caller.
var ErrNoBinding = errors.New("no credentials on file")

// Binding is one caller's credential record, keyed by the
// provider-issued user id. Created on first successful authorization,
// updated on token refresh, never deleted by the service.
type Binding struct {
	UserID    string        `json:"user_id"`
	Email     string        `json:"email"`
	Token     *oauth2.Token `json:"token"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Store persists credential bindings.
type Store interface {
	Get(ctx context.Context, userID string) (Binding, error)
	Put(ctx context.Context, b Binding) error
}

// FileStore keeps one file per caller under a directory. With a seal
// key set, records are encrypted with NaCl secretbox; without one they
// are plaintext JSON, which is acceptable only for development.
type FileStore struct {
	dir     string
	sealKey *[32]byte
}

func NewFileStore(dir string, sealKey *[32]byte) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("credentials directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	return &FileStore{dir: dir, sealKey: sealKey}, nil
}

// ParseSealKey decodes a 64-character hex string into a secretbox key.
// An empty input yields a nil key, meaning records stay plaintext.
func ParseSealKey(s string) (*[32]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return nil, errors.New("seal key must be 64 hex characters")
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

func (s *FileStore) path(userID string) string {
	// User ids come from the provider but still end up in a path; keep
	// only a safe subset of characters.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, userID)
	return filepath.Join(s.dir, safe+".json")
}

func (s *FileStore) Get(_ context.Context, userID string) (Binding, error) {
	if userID == "" {
		return Binding{}, ErrNoBinding
	}
	raw, err := os.ReadFile(s.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return Binding{}, ErrNoBinding
	}
	if err != nil {
		return Binding{}, fmt.Errorf("read credential record: %w", err)
	}
	if s.sealKey != nil {
		raw, err = openSealed(raw, s.sealKey)
		if err != nil {
			return Binding{}, fmt.Errorf("unseal credential record: %w", err)
		}
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, fmt.Errorf("decode credential record: %w", err)
	}
	return b, nil
}

func (s *FileStore) Put(_ context.Context, b Binding) error {
	if b.UserID == "" {
		return errors.New("binding user id is required")
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode credential record: %w", err)
	}
	if s.sealKey != nil {
		raw, err = seal(raw, s.sealKey)
		if err != nil {
			return err
		}
	}
	tmp := s.path(b.UserID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credential record: %w", err)
	}
	if err := os.Rename(tmp, s.path(b.UserID)); err != nil {
		return fmt.Errorf("replace credential record: %w", err)
	}
	return nil
}

func seal(plain []byte, key *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, key), nil
}

func openSealed(raw []byte, key *[32]byte) ([]byte, error) {
	if len(raw) < 24 {
		return nil, errors.New("sealed record too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, key)
	if !ok {
		return nil, errors.New("sealed record failed authentication")
	}
	return plain, nil
}

var _ Store = (*FileStore)(nil)
