// Package encryption protects the credentials file with an age key pair.
// The public key encrypts without user intervention; decrypting requires the
// passphrase that protects the private key.
package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"tm-go/internal/config"
)

// Encryptor generates the key pair, encrypts with the public key and unlocks
// the private key for decryption.
type Encryptor interface {
	// Setup generates a key pair and protects the private key with passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a DecryptionContext.
	// It fails if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory only.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}

// EncryptFile encrypts the file at src into dst, replacing dst if it exists.
func EncryptFile(e Encryptor, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	var buf bytes.Buffer
	if err := e.Encrypt(in, &buf); err != nil {
		return fmt.Errorf("encrypting %s: %w", src, err)
	}
	if err := os.WriteFile(dst, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}

// DecryptFile returns the plaintext of the encrypted file at path.
func DecryptFile(dc DecryptionContext, path string) ([]byte, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer in.Close()

	var buf bytes.Buffer
	if err := dc.Decrypt(in, &buf); err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", path, err)
	}
	return buf.Bytes(), nil
}
