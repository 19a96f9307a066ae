package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveToKeystore writes key to an Ethereum v3 keystore file at path. The
// parent directory is created with 0700 permissions when missing.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.LightScryptN, keystore.LightScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return err
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("crypto: failed to create keystore file")
	}

	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}

	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// KeystoreSigner decrypts a keystore on first use and signs approval digests
// with it. The passphrase callback is invoked at most once.
type KeystoreSigner struct {
	path       string
	passphrase func() (string, error)

	once sync.Once
	key  *PrivateKey
	err  error
}

// NewKeystoreSigner binds a keystore path to a passphrase source.
func NewKeystoreSigner(path string, passphrase func() (string, error)) *KeystoreSigner {
	return &KeystoreSigner{path: path, passphrase: passphrase}
}

func (s *KeystoreSigner) load() (*PrivateKey, error) {
	s.once.Do(func() {
		if s.passphrase == nil {
			s.err = errors.New("crypto: passphrase source required")
			return
		}
		pass, err := s.passphrase()
		if err != nil {
			s.err = err
			return
		}
		s.key, s.err = LoadFromKeystore(s.path, pass)
	})
	return s.key, s.err
}

// Address returns the signer's address.
func (s *KeystoreSigner) Address() (Address, error) {
	key, err := s.load()
	if err != nil {
		return Address{}, err
	}
	return key.PubKey().Address(), nil
}

// SignDigest signs a 32-byte digest.
func (s *KeystoreSigner) SignDigest(digest []byte) ([]byte, error) {
	key, err := s.load()
	if err != nil {
		return nil, err
	}
	return key.Sign(digest)
}
