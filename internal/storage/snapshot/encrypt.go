package snapshot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Supported checkpoint ciphers.
const (
	CipherAESGCM   = "aes-gcm"
	CipherChaCha20 = "chacha20-poly1305"
)

// MinPassphraseLength is the shortest accepted passphrase.
const MinPassphraseLength = 8

const (
	saltLength = 16

	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// ErrDecrypt means the payload could not be authenticated with the
// configured passphrase. It is not treated as corruption: falling back
// to an older checkpoint would fail the same way.
var ErrDecrypt = errors.New("checkpoint: decryption failed, wrong passphrase or tampered data")

// sealer encrypts payloads with a key derived from a passphrase. The
// salt is stored in the checkpoint header so every checkpoint derives
// its own key.
type sealer struct {
	passphrase []byte
	algorithm  string
}

func newSealer(passphrase []byte, algorithm string) (*sealer, error) {
	if len(passphrase) == 0 {
		return nil, nil
	}
	if len(passphrase) < MinPassphraseLength {
		return nil, fmt.Errorf("checkpoint: passphrase shorter than %d characters", MinPassphraseLength)
	}
	if algorithm == "" {
		algorithm = CipherAESGCM
	}
	if algorithm != CipherAESGCM && algorithm != CipherChaCha20 {
		return nil, fmt.Errorf("checkpoint: unsupported cipher %q", algorithm)
	}
	return &sealer{passphrase: passphrase, algorithm: algorithm}, nil
}

// newSalt returns a random salt for one checkpoint.
func newSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("checkpoint: generate salt: %w", err)
	}
	return salt, nil
}

func (s *sealer) aead(algorithm string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(s.passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	defer clear(key)

	switch algorithm {
	case CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherChaCha20:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("checkpoint: unsupported cipher %q", algorithm)
}

// seal encrypts plaintext; the nonce is prepended to the result and ad
// is authenticated but not encrypted.
func (s *sealer) seal(salt, plaintext, ad []byte) ([]byte, error) {
	aead, err := s.aead(s.algorithm, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("checkpoint: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// open reverses seal for a checkpoint written with algorithm.
func (s *sealer) open(algorithm string, salt, ciphertext, ad []byte) ([]byte, error) {
	aead, err := s.aead(algorithm, salt)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
