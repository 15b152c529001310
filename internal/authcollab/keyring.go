package authcollab

import (
	"errors"

	"github.com/99designs/keyring"
)

const (
	serviceName     = "clapcore"
	refreshTokenKey = "refresh_token"
)

// Keyring is a SecretStore backed by the OS keyring, adapted from the
// teacher's internal/secrets.Store: macOS Keychain, Linux Secret Service
// (or an encrypted file fallback), Windows Credential Manager.
type Keyring struct {
	ring keyring.Keyring
}

func NewKeyring() (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              serviceName,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, err
	}
	return &Keyring{ring: ring}, nil
}

func (k *Keyring) SaveRefreshToken(token string) error {
	return k.ring.Set(keyring.Item{
		Key:  refreshTokenKey,
		Data: []byte(token),
	})
}

func (k *Keyring) LoadRefreshToken() (string, error) {
	item, err := k.ring.Get(refreshTokenKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", errors.New("authcollab: no refresh token found (run: clapcored auth)")
		}
		return "", err
	}
	return string(item.Data), nil
}

func (k *Keyring) DeleteRefreshToken() error {
	return k.ring.Remove(refreshTokenKey)
}
