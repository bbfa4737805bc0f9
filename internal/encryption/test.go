package encryption

import (
	"bytes"
	"fmt"
	"io"
)

// testHeader marks data "encrypted" by TestEncryptor.
var testHeader = []byte("TMENC\x00\x00\x00")

// TestEncryptor is a deterministic stand-in for tests: it prepends a fixed
// header on encryption and strips it on decryption.
type TestEncryptor struct {
	setupCalled bool
}

var _ Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(string) (DecryptionContext, error) {
	return TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

// TestDecryptionContext strips the header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ DecryptionContext = TestDecryptionContext{}

func (TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
