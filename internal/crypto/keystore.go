package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const keystoreVersion = 1

// ErrWrongPassphrase is returned when a sealed key cannot be opened.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")

// KDFParams are the Argon2id cost factors used to seal private keys at rest.
type KDFParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultKDFParams suit an interactive CLI unlock.
var DefaultKDFParams = KDFParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 2}

// sealedKey is the on-disk JSON structure of one user's exchange key pair.
type sealedKey struct {
	V           int    `json:"v"`
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"m"`
	Iterations  uint32 `json:"t"`
	Parallelism uint8  `json:"p"`
	Nonce       []byte `json:"nonce"`
	Public      []byte `json:"public"`
	Cipher      []byte `json:"cipher"`
}

// KeyStore keeps each local user's X25519 private key on disk, sealed with a
// passphrase. Private keys never leave this store unencrypted.
type KeyStore struct {
	dir    string
	params KDFParams
	mu     sync.Mutex
}

// NewKeyStore returns a KeyStore rooted at dir.
func NewKeyStore(dir string, params KDFParams) *KeyStore {
	if params.Memory == 0 {
		params = DefaultKDFParams
	}
	return &KeyStore{dir: dir, params: params}
}

func (ks *KeyStore) path(username string) string {
	return filepath.Join(ks.dir, username+".key.json")
}

// Exists reports whether a sealed key exists for username.
func (ks *KeyStore) Exists(username string) bool {
	_, err := os.Stat(ks.path(username))
	return err == nil
}

// Save seals kp under passphrase.
func (ks *KeyStore) Save(username, passphrase string, kp *ExchangeKeyPair) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return err
	}
	key := argon2.IDKey([]byte(passphrase), salt[:], ks.params.Iterations, ks.params.Memory, ks.params.Parallelism, chacha20poly1305.KeySize)
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	blob, err := json.Marshal(sealedKey{
		V:           keystoreVersion,
		Salt:        salt[:],
		Memory:      ks.params.Memory,
		Iterations:  ks.params.Iterations,
		Parallelism: ks.params.Parallelism,
		Nonce:       nonce,
		Public:      kp.Public[:],
		Cipher:      aead.Seal(nil, nonce, kp.Private[:], []byte(username)),
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(ks.dir, 0o700); err != nil {
		return err
	}
	tmp := ks.path(username) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, ks.path(username))
}

// Load opens the sealed key pair of username.
func (ks *KeyStore) Load(username, passphrase string) (*ExchangeKeyPair, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	raw, err := os.ReadFile(ks.path(username))
	if err != nil {
		return nil, err
	}
	var sk sealedKey
	if err := json.Unmarshal(raw, &sk); err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	if sk.V > keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", sk.V)
	}

	key := argon2.IDKey([]byte(passphrase), sk.Salt, sk.Iterations, sk.Memory, sk.Parallelism, chacha20poly1305.KeySize)
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sk.Nonce) != aead.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	priv, err := aead.Open(nil, sk.Nonce, sk.Cipher, []byte(username))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	defer Wipe(priv)

	privKey, err := KeyFromBytes(priv)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	pubKey, err := KeyFromBytes(sk.Public)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return &ExchangeKeyPair{Public: pubKey, Private: privKey}, nil
}
