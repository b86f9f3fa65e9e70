package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/SonHoang2/secure-chat-app/internal/models"
	"golang.org/x/crypto/nacl/box"
)

// NonceSize is the length of the per-message IV.
const NonceSize = 24

var (
	// ErrDecryptionFailed covers corrupt payloads, wrong keys and tampering alike.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrInvalidKey is returned for key material of the wrong size.
	ErrInvalidKey = errors.New("invalid key length")
)

// IdentityKeyPair represents an Ed25519 key pair for signing.
type IdentityKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentityKeyPair generates a new Ed25519 key pair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{Public: pub, Private: priv}, nil
}

// ExchangeKeyPair represents an X25519 key pair for encryption.
type ExchangeKeyPair struct {
	Public  *[32]byte
	Private *[32]byte
}

// GenerateExchangeKeyPair generates a new X25519 key pair for Box.
func GenerateExchangeKeyPair() (*ExchangeKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &ExchangeKeyPair{Public: pub, Private: priv}, nil
}

// Sign signs a message with an Ed25519 private key.
func Sign(privateKey ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(privateKey, message)
}

// Verify verifies a signature with an Ed25519 public key.
func Verify(publicKey ed25519.PublicKey, message []byte, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// KeyFromBytes copies a 32-byte X25519 key out of b.
func KeyFromBytes(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(b))
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

// EncryptForRecipient seals plaintext for the holder of recipientPub.
// A fresh ephemeral key pair is generated per call and its private half is
// wiped before returning; only the public half travels with the envelope.
// The plaintext buffer is zeroed once the ciphertext exists.
func EncryptForRecipient(recipientPub *[32]byte, plaintext []byte) (models.Envelope, error) {
	defer Wipe(plaintext)
	return seal(recipientPub, plaintext)
}

// EncryptForRecipients seals plaintext once per recipient (group fan-out).
// Each recipient gets its own ephemeral key and IV. The plaintext buffer is
// zeroed once every envelope exists, or on the first failure.
func EncryptForRecipients(recipients map[string]*[32]byte, plaintext []byte) (map[string]models.Envelope, error) {
	defer Wipe(plaintext)
	out := make(map[string]models.Envelope, len(recipients))
	for id, pub := range recipients {
		env, err := seal(pub, plaintext)
		if err != nil {
			return nil, fmt.Errorf("encrypt for %s: %w", id, err)
		}
		out[id] = env
	}
	return out, nil
}

func seal(recipientPub *[32]byte, plaintext []byte) (models.Envelope, error) {
	if recipientPub == nil {
		return models.Envelope{}, ErrInvalidKey
	}
	ephemeral, err := GenerateExchangeKeyPair()
	if err != nil {
		return models.Envelope{}, err
	}
	defer Wipe(ephemeral.Private[:])

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return models.Envelope{}, err
	}

	ct := box.Seal(nil, plaintext, &nonce, recipientPub, ephemeral.Private)
	return models.Envelope{
		Ciphertext:         ct,
		IV:                 nonce[:],
		EphemeralPublicKey: ephemeral.Public[:],
	}, nil
}

// Decrypt opens an envelope with the recipient's own private key.
// Any failure is reported as ErrDecryptionFailed; no partial plaintext is returned.
func Decrypt(ownPrivate *[32]byte, env models.Envelope) ([]byte, error) {
	if ownPrivate == nil || len(env.IV) != NonceSize || len(env.EphemeralPublicKey) != 32 {
		return nil, ErrDecryptionFailed
	}
	if len(env.Ciphertext) < box.Overhead {
		return nil, ErrDecryptionFailed
	}

	var nonce [NonceSize]byte
	copy(nonce[:], env.IV)
	var ephemeralPub [32]byte
	copy(ephemeralPub[:], env.EphemeralPublicKey)

	plaintext, ok := box.Open(nil, env.Ciphertext, &nonce, &ephemeralPub, ownPrivate)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Wipe zeroes b in place.
//
//go:noinline
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
	runtime.KeepAlive(&b)
}
