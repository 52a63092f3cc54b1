package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const keyringAccount = "config_key"

// openKeyring returns a keyring handle scoped to one profile. Only native
// OS backends are allowed; the file backend would just be another key file
// on disk, which the resolver already handles itself with a known trust
// level.
func openKeyring(profile string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: appDirName + "-" + profile,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// keyringGet retrieves the stored encryption key material, if any.
func keyringGet(ring keyring.Keyring) ([]byte, error) {
	item, err := ring.Get(keyringAccount)
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", keyringAccount, err)
	}
	return item.Data, nil
}

// keyringSet stores the encryption key material.
func keyringSet(ring keyring.Keyring, data []byte) error {
	err := ring.Set(keyring.Item{
		Key:   keyringAccount,
		Label: "nicemail config encryption key",
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", keyringAccount, err)
	}
	return nil
}
