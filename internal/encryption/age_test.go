package encryption

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tm-go/internal/config"
)

func newTestAgeEncryptor(t *testing.T) *AgeEncryptor {
	t.Helper()
	dir := t.TempDir()
	return NewAgeEncryptor(config.EncryptionConfig{
		PublicKeyPath:  filepath.Join(dir, "keys", "tm.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "tm.key"),
	})
}

func TestAgeEncryptor_Setup(t *testing.T) {
	t.Parallel()
	e := newTestAgeEncryptor(t)

	if e.IsConfigured() {
		t.Error("IsConfigured() = true before Setup, want false")
	}
	if err := e.Setup("test-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false after Setup, want true")
	}

	err := e.Setup("other-passphrase")
	if !errors.Is(err, ErrKeysExist) {
		t.Errorf("second Setup() error = %v, want ErrKeysExist", err)
	}
}

func TestAgeEncryptor_EncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "credential line", input: []byte(`{"user":"u","app_name":"a","bearer_token":"t"}` + "\n")},
		{name: "empty", input: []byte{}},
		{name: "large data", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			passphrase := "test-passphrase"
			e := newTestAgeEncryptor(t)
			if err := e.Setup(passphrase); err != nil {
				t.Fatalf("Setup() error = %v", err)
			}

			var encrypted bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &encrypted); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(tt.input) > 0 && bytes.Contains(encrypted.Bytes(), tt.input) {
				t.Error("encrypted output contains the plaintext")
			}

			dc, err := e.Unlock(passphrase)
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			var decrypted bytes.Buffer
			if err := dc.Decrypt(bytes.NewReader(encrypted.Bytes()), &decrypted); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(decrypted.Bytes(), tt.input) {
				t.Errorf("round-trip failed: got %d bytes, want %d bytes", decrypted.Len(), len(tt.input))
			}
		})
	}
}

func TestAgeEncryptor_UnlockWrongPassphrase(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup("correct-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := e.Unlock("wrong-passphrase"); err == nil {
		t.Error("Unlock() with wrong passphrase should return error")
	}
}

func TestAgeEncryptor_BeforeSetup(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	var buf bytes.Buffer
	if err := e.Encrypt(bytes.NewReader([]byte("data")), &buf); err == nil {
		t.Error("Encrypt() before Setup should return error")
	}
	if _, err := e.Unlock("passphrase"); err == nil {
		t.Error("Unlock() before Setup should return error")
	}
}

func TestEncryptFile_DecryptFile(t *testing.T) {
	t.Parallel()

	e := newTestAgeEncryptor(t)
	if err := e.Setup("pw"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "credentials.jsonl")
	dst := src + ".age"
	plain := []byte(`{"user":"u","app_name":"a","bearer_token":"secret"}` + "\n")
	if err := os.WriteFile(src, plain, 0600); err != nil {
		t.Fatal(err)
	}

	if err := EncryptFile(e, src, dst); err != nil {
		t.Fatalf("EncryptFile() error = %v", err)
	}

	dc, err := e.Unlock("pw")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	got, err := DecryptFile(dc, dst)
	if err != nil {
		t.Fatalf("DecryptFile() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("DecryptFile() = %q, want %q", got, plain)
	}
}
