package authrecords

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// envelope is the on-the-wire shape of an encrypted record. The nonce and
// ciphertext are base64-encoded so the envelope itself can be JSON-marshaled
// and handed straight to the shared store as a value.
type envelope struct {
	Version    int    `json:"v"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"c"`
}

// deriveKey turns the record's own identifier into a 32-byte AES-256 key, so
// decrypting a record requires possession of the identifier used to look it
// up (an authorization code, an access token, a refresh token, ...).
func deriveKey(recordID string) []byte {
	sum := sha256.Sum256([]byte(recordID))
	return sum[:]
}

func encryptRecord(recordID string, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(recordID))
	if err != nil {
		return nil, fmt.Errorf("authrecords: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("authrecords: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("authrecords: nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	env := envelope{
		Version:    1,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return marshalEnvelope(env)
}

func decryptRecord(recordID string, stored []byte) ([]byte, error) {
	env, err := unmarshalEnvelope(stored)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("authrecords: decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("authrecords: decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(deriveKey(recordID))
	if err != nil {
		return nil, fmt.Errorf("authrecords: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("authrecords: new gcm: %w", err)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authrecords: decrypt: wrong id or tampered record: %w", err)
	}
	return plain, nil
}
