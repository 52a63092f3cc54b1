package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// SecureStore persists a flat string-keyed mapping as a single encrypted
// blob. It owns the blob exclusively: callers read-modify-write the whole
// mapping through Load and Save and never touch the file or key material.
//
// A SecureStore is not safe for concurrent use; callers sharing one
// instance must serialize access. Across processes the last writer wins.
type SecureStore struct {
	paths  Paths
	aead   cipher.AEAD
	source KeySource
}

// Open resolves the encryption key for the profile and returns a store
// ready for use. Key resolution failure is fatal; there is no unencrypted
// fallback.
func Open(paths Paths) (*SecureStore, error) {
	key, source, err := NewResolver(paths).Resolve()
	if err != nil {
		return nil, err
	}
	return NewSecureStore(paths, key, source)
}

// NewSecureStore builds a store around already-resolved key material.
// key must be an AES-256 key (32 bytes).
func NewSecureStore(paths Paths, key []byte, source KeySource) (*SecureStore, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &SecureStore{paths: paths, aead: aead, source: source}, nil
}

// KeySource reports which facility backs the store's encryption key.
func (s *SecureStore) KeySource() KeySource {
	return s.source
}

// TrustedKeySource reports whether the key lives in the OS secret manager,
// the strongest guarantee that it is not sitting in a plain file.
func (s *SecureStore) TrustedKeySource() bool {
	return s.source == KeySourceKeyring
}

// Load decrypts and returns the stored mapping. A missing file yields an
// empty mapping. A blob that fails to decrypt or parse also yields an
// empty mapping: a corrupted credential cache must not crash the caller,
// it just forces a fresh authorization flow.
func (s *SecureStore) Load() (map[string]any, error) {
	sealed, err := os.ReadFile(s.paths.StorePath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.paths.StorePath(), err)
	}

	plaintext, err := s.open(sealed)
	if err != nil {
		slog.Warn("encrypted store unreadable, starting empty",
			"path", s.paths.StorePath(), "error", err)
		return map[string]any{}, nil
	}

	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		slog.Warn("encrypted store held invalid JSON, starting empty",
			"path", s.paths.StorePath(), "error", err)
		return map[string]any{}, nil
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// Save serializes the mapping to JSON, seals it, and atomically replaces
// the backing file.
func (s *SecureStore) Save(data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding store payload: %w", err)
	}

	sealed, err := s.seal(plaintext)
	if err != nil {
		return err
	}

	if err := s.paths.ensureDirs(); err != nil {
		return err
	}
	if err := writeFileAtomic(s.paths.StorePath(), sealed); err != nil {
		return fmt.Errorf("writing %s: %w", s.paths.StorePath(), err)
	}

	slog.Debug("encrypted store saved",
		"path", s.paths.StorePath(), "key_source", s.source.String())
	return nil
}

// Get decodes the structured value stored under key into out. It returns
// false when the key is absent or the value does not fit out's shape.
func Get(data map[string]any, key string, out any) bool {
	raw, ok := data[key]
	if !ok || raw == nil {
		return false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(encoded, out) == nil
}

// Put stores v under key as a JSON-compatible value.
func Put(data map[string]any, key string, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding value for %q: %w", key, err)
	}
	var plain any
	if err := json.Unmarshal(encoded, &plain); err != nil {
		return fmt.Errorf("normalizing value for %q: %w", key, err)
	}
	data[key] = plain
	return nil
}

// seal encrypts plaintext as nonce || ciphertext.
func (s *SecureStore) seal(plaintext []byte) ([]byte, error) {
	// AES-GCM requires a unique nonce per encryption under the same key.
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return append(nonce, s.aead.Seal(nil, nonce, plaintext, nil)...), nil
}

// open decrypts a nonce || ciphertext payload.
func (s *SecureStore) open(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed payload is too short")
	}
	nonce := sealed[:nonceSize]
	ciphertext := sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return plaintext, nil
}

// writeFileAtomic replaces path's content via a temp file and rename so a
// crash mid-write never leaves a half-written blob behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
