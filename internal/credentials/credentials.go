// Package credentials reads provider credentials from a JSON Lines file,
// optionally encrypted with age.
package credentials

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"tm-go/internal/encryption"
	"tm-go/internal/tm"
)

// EncryptedSuffix marks credential files that must be decrypted before use.
const EncryptedSuffix = ".age"

// record is one line of the credentials file.
type record struct {
	User        string `json:"user"`
	AppName     string `json:"app_name"`
	BearerToken string `json:"bearer_token"`
}

// IsEncrypted reports whether the file at path is age-encrypted.
func IsEncrypted(path string) bool {
	return strings.HasSuffix(path, EncryptedSuffix)
}

// LoadFile reads the credentials file at path. Encrypted files are decrypted
// with dc, which may be nil for plaintext files.
func LoadFile(path string, dc encryption.DecryptionContext, logger tm.Logger) ([]tm.Credential, error) {
	var r io.Reader
	if IsEncrypted(path) {
		if dc == nil {
			return nil, fmt.Errorf("credentials file %s is encrypted and no key was unlocked", path)
		}
		plain, err := encryption.DecryptFile(dc, path)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(plain)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening credentials file: %w", err)
		}
		defer f.Close()
		r = f
	}
	return Parse(r, logger)
}

// Parse reads one JSON credential per line. Blank lines are ignored.
// Malformed or incomplete lines are logged and skipped, and a repeated
// user/app pair keeps its first occurrence. Finding no credential at all
// returns tm.ErrNoCredentials.
func Parse(r io.Reader, logger tm.Logger) ([]tm.Credential, error) {
	if logger == nil {
		logger = tm.NewNopLogger()
	}

	var (
		creds []tm.Credential
		seen  = make(map[string]bool)
		line  int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			logger.Warn("skipping malformed credential", "line", line, "error", err)
			continue
		}
		if rec.User == "" || rec.AppName == "" || rec.BearerToken == "" {
			logger.Warn("skipping incomplete credential", "line", line)
			continue
		}

		cred := tm.Credential{Owner: rec.User, App: rec.AppName, Token: rec.BearerToken}
		if seen[cred.Key()] {
			logger.Warn("ignoring duplicate credential", "line", line, "credential", cred.Key())
			continue
		}
		seen[cred.Key()] = true
		creds = append(creds, cred)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	if len(creds) == 0 {
		return nil, tm.ErrNoCredentials
	}
	return creds, nil
}
