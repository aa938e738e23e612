// Package vault implements the credential vault contract (C1, §4.1): a
// 256-bit authenticated symmetric encryption primitive for stored SSH
// secrets. Only the contract named by the spec is implemented here — key
// management, rotation and the actual secret store are out of scope
// (§1: "the encryption-at-rest primitive used for credentials" is listed
// among external collaborators referenced only via their contracts; this
// package IS that contract's implementation, not the store around it).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/bmetallica/systemmap/internal/model"
)

const keySize = 32 // 256-bit key per §4.1

// Ciphertext is the three-field record exposed to callers (§4.1:
// "Ciphertext encoding is a three-field record {nonce, authTag, body}").
// AES-GCM produces nonce and sealed-body-with-tag as a unit; we split the
// tag out explicitly so the wire record matches the spec's field names,
// even though Go's cipher.AEAD keeps them concatenated internally.
type Ciphertext struct {
	Nonce   string `json:"nonce"`    // base64
	AuthTag string `json:"auth_tag"` // base64
	Body    string `json:"body"`     // base64
}

// Vault encrypts and decrypts credential plaintexts with a single 256-bit
// key, provided as 64 hex characters per §6.
type Vault struct {
	gcm cipher.AEAD
}

// New builds a Vault from a 64-hex-character master key and runs the
// startup self-test (§4.1: "A self-test at startup round-trips a fresh
// random string; failure halts the process").
func New(masterKeyHex string) (*Vault, error) {
	keyBytes, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, model.NewError(model.KindPermanent, "vault-bad-key", fmt.Errorf("decode master key: %w", err))
	}
	if len(keyBytes) != keySize {
		return nil, model.NewErrorf(model.KindPermanent, "vault-bad-key", "master key must be %d bytes, got %d", keySize, len(keyBytes))
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, model.NewError(model.KindPermanent, "vault-bad-key", fmt.Errorf("init AES cipher: %w", err))
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, model.NewError(model.KindPermanent, "vault-bad-key", fmt.Errorf("init GCM: %w", err))
	}

	v := &Vault{gcm: gcm}
	if err := v.selfTest(); err != nil {
		return nil, model.NewError(model.KindPermanent, "vault-self-test-failed", err)
	}
	return v, nil
}

// selfTest round-trips a fresh random string through encrypt/decrypt.
func (v *Vault) selfTest() error {
	probe := make([]byte, 32)
	if _, err := rand.Read(probe); err != nil {
		return fmt.Errorf("self-test entropy: %w", err)
	}
	ct, err := v.Encrypt(string(probe))
	if err != nil {
		return fmt.Errorf("self-test encrypt: %w", err)
	}
	pt, err := v.Decrypt(ct)
	if err != nil {
		return fmt.Errorf("self-test decrypt: %w", err)
	}
	if pt != string(probe) {
		return fmt.Errorf("self-test round-trip mismatch")
	}
	return nil
}

// Encrypt seals plaintext into a Ciphertext record. Each call uses a fresh
// random nonce, so repeat calls on identical plaintext yield distinct
// ciphertexts (§8: "encrypt(p) yields distinct ciphertexts on repeat calls").
func (v *Vault) Encrypt(plaintext string) (Ciphertext, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Ciphertext{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	tagSize := v.gcm.Overhead()
	body := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return Ciphertext{
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		AuthTag: base64.StdEncoding.EncodeToString(tag),
		Body:    base64.StdEncoding.EncodeToString(body),
	}, nil
}

// Decrypt opens a Ciphertext record back into plaintext, authenticating
// the tag in the process. decrypt(encrypt(p)) == p (§8).
func (v *Vault) Decrypt(ct Ciphertext) (string, error) {
	nonce, err := base64.StdEncoding.DecodeString(ct.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(ct.AuthTag)
	if err != nil {
		return "", fmt.Errorf("decode auth tag: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(ct.Body)
	if err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}

	sealed := append(append([]byte{}, body...), tag...)
	plaintext, err := v.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("authenticate/decrypt: %w", err)
	}
	return string(plaintext), nil
}
