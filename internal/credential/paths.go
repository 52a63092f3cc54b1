package credential

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	appDirName     = "nicemail"
	storeFilename  = "config.enc"
	keyFilename    = "encryption.key"
	defaultProfile = "default"

	profileEnvVar = "NICEMAIL_PROFILE"
	rootEnvVar    = "NICEMAIL_DIR"
)

// Paths locates the on-disk artifacts for one credential profile. The
// encrypted blob lives under the config directory; the key file belongs in
// durable state, kept apart from the data it protects.
type Paths struct {
	Profile   string
	ConfigDir string
	StateDir  string
}

// StorePath returns the location of the encrypted blob.
func (p Paths) StorePath() string {
	return filepath.Join(p.ConfigDir, storeFilename)
}

// KeyPath returns the location of the locally persisted encryption key.
func (p Paths) KeyPath() string {
	return filepath.Join(p.StateDir, keyFilename)
}

// ResolvePaths derives the per-profile directories. An empty profile falls
// back to NICEMAIL_PROFILE, then "default". NICEMAIL_DIR overrides the root
// of both trees, which is how tests and portable installs isolate state.
func ResolvePaths(profile string) (Paths, error) {
	if profile == "" {
		profile = os.Getenv(profileEnvVar)
	}
	if profile == "" {
		profile = defaultProfile
	}

	if root := os.Getenv(rootEnvVar); root != "" {
		return Paths{
			Profile:   profile,
			ConfigDir: filepath.Join(root, "config", profile),
			StateDir:  filepath.Join(root, "state", profile),
		}, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolving home directory: %w", err)
	}

	return Paths{
		Profile:   profile,
		ConfigDir: filepath.Join(home, ".config", appDirName, profile),
		StateDir:  filepath.Join(home, ".local", "state", appDirName, profile),
	}, nil
}

// ensureDirs creates the profile directories with owner-only permissions.
func (p Paths) ensureDirs() error {
	for _, dir := range []string{p.ConfigDir, p.StateDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
