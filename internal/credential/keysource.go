package credential

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/99designs/keyring"
)

// keyLength is the AES-256 key size used by the store's sealer.
const keyLength = 32

// KeySource identifies which facility ultimately supplied or received the
// store's encryption key.
type KeySource int

const (
	// KeySourceUnknown means resolution has not completed.
	KeySourceUnknown KeySource = iota

	// KeySourceKeyring means the OS-native secret manager holds the key.
	KeySourceKeyring

	// KeySourceFile means the key lives in a protected file in the
	// profile's state directory.
	KeySourceFile
)

// String returns the diagnostic label for the source.
func (s KeySource) String() string {
	switch s {
	case KeySourceKeyring:
		return "keyring"
	case KeySourceFile:
		return "file"
	default:
		return "unknown"
	}
}

// KeyResolutionError means no facility could supply or persist an
// encryption key. The store is unusable: proceeding with an unpersisted
// key would leave the blob undecryptable after the next restart.
type KeyResolutionError struct {
	Detail string
}

func (e *KeyResolutionError) Error() string {
	return "resolving store encryption key: " + e.Detail
}

// Resolver obtains or creates the symmetric key protecting the secure
// store. Each fallback tier is attempted at most once per instance.
type Resolver struct {
	paths Paths

	// openRing is swappable so tests can substitute an in-memory keyring
	// or simulate a host with no secret manager.
	openRing func(profile string) (keyring.Keyring, error)
}

// NewResolver returns a resolver for the given profile paths.
func NewResolver(paths Paths) *Resolver {
	return &Resolver{paths: paths, openRing: openKeyring}
}

// Resolve returns the encryption key and the facility that backs it,
// trying the OS secret manager, then a previously written local key file,
// then generating and persisting a fresh key. Failure to persist a fresh
// key anywhere is fatal.
func (r *Resolver) Resolve() ([]byte, KeySource, error) {
	ring, ringErr := r.openRing(r.paths.Profile)
	if ringErr != nil {
		slog.Debug("secret manager unavailable", "error", ringErr)
	}

	if ring != nil {
		if key := loadKeyFromRing(ring); key != nil {
			slog.Debug("encryption key loaded from keyring", "profile", r.paths.Profile)
			return key, KeySourceKeyring, nil
		}
	}

	if key := r.loadKeyFile(); key != nil {
		slog.Debug("encryption key loaded from file", "path", r.paths.KeyPath())
		return key, KeySourceFile, nil
	}

	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, KeySourceUnknown, &KeyResolutionError{Detail: fmt.Sprintf("generating key: %v", err)}
	}

	encoded := []byte(base64.StdEncoding.EncodeToString(key))

	if ring != nil {
		err := keyringSet(ring, encoded)
		if err == nil {
			slog.Debug("new encryption key stored in keyring", "profile", r.paths.Profile)
			return key, KeySourceKeyring, nil
		}
		slog.Debug("storing key in keyring failed", "error", err)
	}

	if err := r.paths.ensureDirs(); err != nil {
		return nil, KeySourceUnknown, &KeyResolutionError{Detail: err.Error()}
	}
	if err := os.WriteFile(r.paths.KeyPath(), encoded, 0o600); err != nil {
		return nil, KeySourceUnknown, &KeyResolutionError{
			Detail: fmt.Sprintf("no secret manager available and writing %s failed: %v", r.paths.KeyPath(), err),
		}
	}

	slog.Debug("new encryption key written to file", "path", r.paths.KeyPath())
	return key, KeySourceFile, nil
}

// loadKeyFromRing fetches and decodes a previously stored key, ignoring
// anything missing or malformed.
func loadKeyFromRing(ring keyring.Keyring) []byte {
	data, err := keyringGet(ring)
	if err != nil || len(data) == 0 {
		return nil
	}
	return decodeKey(data)
}

// loadKeyFile reads a previously written local key file, if present.
func (r *Resolver) loadKeyFile() []byte {
	data, err := os.ReadFile(r.paths.KeyPath())
	if err != nil {
		return nil
	}
	return decodeKey(data)
}

// decodeKey parses base64 key material and checks its length.
func decodeKey(data []byte) []byte {
	key, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil || len(key) != keyLength {
		return nil
	}
	return key
}
