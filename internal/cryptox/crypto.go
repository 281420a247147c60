// Package cryptox implements the symmetric cipher protecting stored tracker
// credentials. Blobs are sealed with AES-256-GCM under a process-wide master
// key injected once at startup.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/chastnik/mm-bot-jira2excel/internal/common"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

// Cipher seals and opens credential blobs with a fixed master key.
// The zero value is not usable; construct with NewCipher.
type Cipher struct {
	key []byte
}

// NewCipher validates the master key length and returns a ready Cipher.
// A missing or wrong-length key is a configuration fault and must stop the
// process at startup, not surface lazily per request.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d",
			common.ErrConfiguration, KeySize, len(masterKey))
	}
	key := make([]byte, KeySize)
	copy(key, masterKey)
	return &Cipher{key: key}, nil
}

// NewCipherFromHex decodes a hex-encoded master key and constructs a Cipher.
func NewCipherFromHex(masterKeyHex string) (*Cipher, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: master key is not valid hex", common.ErrConfiguration)
	}
	defer common.WipeByteArray(key)
	return NewCipher(key)
}

// DeriveMasterKey stretches a passphrase and salt into a KeySize-byte master
// key with argon2id. Deployments that cannot inject raw key material supply
// a passphrase instead.
func DeriveMasterKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// Encrypt seals plaintext and returns the ciphertext and the freshly
// generated 12-byte nonce. A new random nonce is drawn for every call;
// nonces are stored alongside the ciphertext, never reused.
func (c *Cipher) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ciphertext = aesgcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens a ciphertext sealed by Encrypt. A failed authentication tag
// (tampered data or wrong key) returns common.ErrIntegrity; the caller must
// treat the record as unusable rather than guess at the contents.
func (c *Cipher) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIntegrity, err)
	}
	return plaintext, nil
}
