package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "apikey-signing-key"
	publicKeyFile  = "apikey-signing-key.pub"
)

// KeyProvider abstracts custody of the api key signing keypair.
// Verification paths only ever see the public key, the private key
// never leaves the provider.
type KeyProvider interface {
	Public() ed25519.PublicKey
	Sign(payload []byte) ([]byte, error)
}

// Keys is an in-memory KeyProvider
type Keys struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func (k *Keys) Public() ed25519.PublicKey {
	return k.public
}

func (k *Keys) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(k.private, payload), nil
}

// Generate creates a fresh Ed25519 keypair
func Generate() (*Keys, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}

	return &Keys{public: public, private: private}, nil
}

// FromPrivate builds a provider around an existing private key
func FromPrivate(private ed25519.PrivateKey) (*Keys, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}

	return &Keys{
		public:  private.Public().(ed25519.PublicKey),
		private: private,
	}, nil
}

// Save writes the keypair to the state directory. The private key file
// has 0600 permissions, the public key file has 0644.
func (k *Keys) Save(stateDir string) error {
	privatePath := filepath.Join(stateDir, privateKeyFile)
	if err := os.WriteFile(privatePath, k.private, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	publicPath := filepath.Join(stateDir, publicKeyFile)
	if err := os.WriteFile(publicPath, k.public, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	return nil
}

// Load reads the keypair from the state directory. Returns an error if
// either file is missing or has an unexpected size.
func Load(stateDir string) (*Keys, error) {
	privateBytes, err := os.ReadFile(filepath.Join(stateDir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
	}

	publicBytes, err := os.ReadFile(filepath.Join(stateDir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(publicBytes), ed25519.PublicKeySize)
	}

	return &Keys{
		public:  ed25519.PublicKey(publicBytes),
		private: ed25519.PrivateKey(privateBytes),
	}, nil
}

// LoadOrGenerate loads an existing keypair from stateDir, or generates
// and saves a new one if the files don't exist. Returns the keypair and
// whether it was newly generated.
func LoadOrGenerate(stateDir string) (*Keys, bool, error) {
	keys, err := Load(stateDir)
	if err == nil {
		return keys, false, nil
	}

	// Missing files are expected on first boot, anything else is
	// corruption or a permission problem and must surface
	if _, statErr := os.Stat(filepath.Join(stateDir, privateKeyFile)); statErr == nil {
		return nil, false, err
	}

	keys, err = Generate()
	if err != nil {
		return nil, false, err
	}

	if err := keys.Save(stateDir); err != nil {
		return nil, false, err
	}

	return keys, true, nil
}
