package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"p2p_audit_consensus/pkg/data"
)

const (
	// Key derivation parameters for the encrypted keystore
	pbkdfIterations = 100000
	saltLength      = 32
	keyLength       = 32

	keyFileMode = 0o600
)

// ErrIdentityExists is returned by Generate when a keypair is already on disk
var ErrIdentityExists = errors.New("identity already exists; rotation must be explicit")

// NodeIdentity is a node's asymmetric keypair. The private half never leaves
// the owning process; the public half plus fingerprint is shared with peers.
type NodeIdentity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Algorithm  string
	Created    time.Time
}

// keyFile is the on-disk representation of an identity
type keyFile struct {
	Algorithm  string    `json:"algorithm"`
	PublicKey  []byte    `json:"public_key"`
	PrivateKey []byte    `json:"private_key,omitempty"`
	Sealed     []byte    `json:"sealed,omitempty"`
	Salt       []byte    `json:"salt,omitempty"`
	Created    time.Time `json:"created"`
}

// Generate creates a new keypair and persists it with owner-only permissions.
// It fails if an identity already exists at path; use Rotate to replace one.
func Generate(path string) (*NodeIdentity, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, ErrIdentityExists
	}
	return writeNewIdentity(path, "")
}

// GenerateEncrypted is Generate with the private key sealed under a passphrase
func GenerateEncrypted(path, passphrase string) (*NodeIdentity, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}
	if _, err := os.Stat(path); err == nil {
		return nil, ErrIdentityExists
	}
	return writeNewIdentity(path, passphrase)
}

// Rotate replaces any existing identity with a fresh keypair. Peers must be
// re-registered with the new public key afterwards.
func Rotate(path string) (*NodeIdentity, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing old identity: %w", err)
	}
	return writeNewIdentity(path, "")
}

// Load reads an identity from disk
func Load(path string) (*NodeIdentity, error) {
	return load(path, "")
}

// LoadEncrypted reads a passphrase-sealed identity from disk
func LoadEncrypted(path, passphrase string) (*NodeIdentity, error) {
	return load(path, passphrase)
}

// LoadOrGenerate loads the identity at path, creating one if none exists
func LoadOrGenerate(path string) (*NodeIdentity, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return writeNewIdentity(path, "")
	}
	return Load(path)
}

// Sign produces a signature over the observation's canonical encoding and
// stamps it onto the observation
func (id *NodeIdentity) Sign(obs *data.AuditObservation) error {
	if len(id.PrivateKey) == 0 {
		return errors.New("private key not available")
	}
	obs.Signature = ed25519.Sign(id.PrivateKey, obs.CanonicalEncoding())
	return nil
}

// Verify recomputes the canonical encoding and checks the signature under the
// given public key. Any mismatch returns false; rejection is a normal outcome
// under adversarial input, never an error.
func Verify(obs *data.AuditObservation, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(obs.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, obs.CanonicalEncoding(), obs.Signature)
}

// Fingerprint returns the SHA256 hex digest of a public key
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the identity's public key fingerprint
func (id *NodeIdentity) Fingerprint() string {
	return Fingerprint(id.PublicKey)
}

func writeNewIdentity(path, passphrase string) (*NodeIdentity, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	id := &NodeIdentity{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Algorithm:  "Ed25519",
		Created:    time.Now().UTC(),
	}

	kf := keyFile{
		Algorithm: id.Algorithm,
		PublicKey: publicKey,
		Created:   id.Created,
	}

	if passphrase == "" {
		kf.PrivateKey = privateKey
	} else {
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}
		sealed, err := seal(privateKey, deriveKey(passphrase, salt))
		if err != nil {
			return nil, fmt.Errorf("sealing private key: %w", err)
		}
		kf.Sealed = sealed
		kf.Salt = salt
	}

	raw, err := json.Marshal(kf)
	if err != nil {
		return nil, fmt.Errorf("encoding identity: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating identity directory: %w", err)
		}
	}
	if err := os.WriteFile(path, raw, keyFileMode); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}

	return id, nil
}

func load(path, passphrase string) (*NodeIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}

	var privateKey ed25519.PrivateKey
	switch {
	case len(kf.PrivateKey) > 0:
		privateKey = kf.PrivateKey
	case len(kf.Sealed) > 0:
		if passphrase == "" {
			return nil, errors.New("identity is sealed; passphrase required")
		}
		plain, err := open(kf.Sealed, deriveKey(passphrase, kf.Salt))
		if err != nil {
			return nil, fmt.Errorf("unsealing private key: %w", err)
		}
		privateKey = plain
	default:
		return nil, errors.New("identity file contains no private key")
	}

	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("malformed private key")
	}

	return &NodeIdentity{
		PublicKey:  kf.PublicKey,
		PrivateKey: privateKey,
		Algorithm:  kf.Algorithm,
		Created:    kf.Created,
	}, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdfIterations, keyLength, sha256.New)
}

func seal(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
