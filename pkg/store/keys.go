package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/dotheaven/heaven-content/pkg/contentcrypt"
	"github.com/dotheaven/heaven-content/pkg/ids"
)

// LoadWrappedKey returns this device's wrapped key for contentID. An
// entry whose fields fail validation is treated as absent.
func (s *Store) LoadWrappedKey(contentID string) (contentcrypt.WrappedKey, bool, error) { // A
	key := prefixWrappedKey + ids.NormalizeContentKey(contentID)
	var h contentcrypt.HexWrappedKey
	ok, err := s.getJSON(key, &h)
	if err != nil || !ok {
		return contentcrypt.WrappedKey{}, false, err
	}
	wk, err := h.Decode()
	if err != nil {
		s.log.WithField("contentId", contentID).WithError(err).Warn("ignoring invalid wrapped key")
		return contentcrypt.WrappedKey{}, false, nil
	}
	return wk, true, nil
}

// SaveWrappedKey stores wk for contentID, replacing any previous entry.
func (s *Store) SaveWrappedKey(contentID string, wk contentcrypt.WrappedKey) error { // A
	if err := wk.Validate(); err != nil {
		return err
	}
	norm := ids.NormalizeContentKey(contentID)
	unlock := s.locks.lock(norm)
	defer unlock()
	return s.putJSON(prefixWrappedKey+norm, wk.Hex())
}

// WrappedKeyIDs lists the content ids with a stored wrapped key.
func (s *Store) WrappedKeyIDs() ([]string, error) {
	var out []string
	err := s.scan(prefixWrappedKey, func(key string, _ []byte) error {
		out = append(out, strings.TrimPrefix(key, prefixWrappedKey))
		return nil
	})
	return out, err
}

// storedKeyPair is the persisted form. PrivateKey is sealed
// ("enc:v1:...") or, for entries written by older versions, plain hex.
type storedKeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// LoadOrCreateKeyPair returns the device content key pair, creating and
// sealing a new one on first use. Legacy plaintext private keys are
// re-sealed in place.
func (s *Store) LoadOrCreateKeyPair() (*contentcrypt.KeyPair, error) { // A
	unlock := s.locks.lock(keyContentPair)
	defer unlock()

	sealKey := contentcrypt.SealKey(s.material)
	defer contentcrypt.Zero(sealKey)

	var stored storedKeyPair
	ok, err := s.getJSON(keyContentPair, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.createKeyPair(sealKey)
	}

	privHex := strings.TrimSpace(stored.PrivateKey)
	legacy := !contentcrypt.IsSealed(privHex)
	if !legacy {
		privHex, err = contentcrypt.Open(sealKey, privHex)
		if err != nil {
			return nil, fmt.Errorf("unseal content key pair: %w", err)
		}
	}
	kp, err := contentcrypt.KeyPairFromPrivateHex(privHex)
	if err != nil {
		return nil, err
	}
	pub, err := contentcrypt.ParsePublicKey(stored.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: content public key: %v", ErrCorrupt, err)
	}
	if !bytes.Equal(pub, kp.PublicKey()) {
		return nil, fmt.Errorf("%w: content public key does not match private key", ErrCorrupt)
	}

	if legacy {
		sealed, err := contentcrypt.Seal(sealKey, kp.PrivateKeyHex())
		if err != nil {
			s.log.WithError(err).Warn("content key pair migration failed; keeping legacy entry")
			return kp, nil
		}
		stored.PrivateKey = sealed
		if err := s.putJSON(keyContentPair, stored); err != nil {
			s.log.WithError(err).Warn("rewriting migrated content key pair failed")
		} else {
			s.log.Info("content key pair migrated to sealed format")
		}
	}
	return kp, nil
}

func (s *Store) createKeyPair(sealKey []byte) (*contentcrypt.KeyPair, error) {
	kp, err := contentcrypt.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	sealed, err := contentcrypt.Seal(sealKey, kp.PrivateKeyHex())
	if err != nil {
		return nil, err
	}
	stored := storedKeyPair{
		PrivateKey: sealed,
		PublicKey:  strings.TrimPrefix(kp.PublicKeyHex(), "0x"),
	}
	if err := s.putJSON(keyContentPair, stored); err != nil {
		return nil, err
	}
	s.log.Info("created content key pair")
	return kp, nil
}

// ImportLegacyKeyPair writes a plaintext key pair entry as older
// versions did. It exists for migrations from the JSON file layout.
func (s *Store) ImportLegacyKeyPair(privateHex, publicHex string) error {
	if privateHex == "" || publicHex == "" {
		return errors.New("store: empty legacy key pair")
	}
	unlock := s.locks.lock(keyContentPair)
	defer unlock()
	return s.putJSON(keyContentPair, storedKeyPair{PrivateKey: privateHex, PublicKey: publicHex})
}

// MachineMaterial returns the machine-specific secret used to seal the
// content key pair: /etc/machine-id when readable, otherwise
// HOSTNAME:USER:home.
func MachineMaterial() string {
	if raw, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	host := nonEmpty(os.Getenv("HOSTNAME"), "unknown-host")
	name := os.Getenv("USER")
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}
	name = nonEmpty(name, "unknown-user")
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return host + ":" + name + ":" + home
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
