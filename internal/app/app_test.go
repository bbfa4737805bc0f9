package app

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tm-go/internal/api"
	"tm-go/internal/config"
	"tm-go/internal/tm"
)

const credentialLine = `{"user":"alice","app_name":"app","bearer_token":"secret"}` + "\n"

// newTestConfig returns a config that runs entirely in process.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig(base)
	cfg.Provider = config.ProviderConfig{Type: "memory"}
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Archive = config.ArchiveConfig{Type: "memory", Name: "test", Interval: config.Duration{Duration: time.Hour}}
	cfg.Encryption.Type = "test"
	cfg.Control.Listen = "127.0.0.1:0"

	if err := os.WriteFile(cfg.CredentialsFile, []byte(credentialLine), 0600); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNewTMApp(t *testing.T) {
	cfg := newTestConfig(t)

	a, err := NewTMApp(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("NewTMApp() error = %v", err)
	}
	defer a.Close()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	client := api.NewClient(srv.URL)

	if _, err := client.Track(context.Background(), "news", []string{"alpha", "beta"}); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if got := len(a.Monitor().Info().Active); got != 1 {
		t.Errorf("active crawlers = %d, want 1", got)
	}
	ops, err := client.History(context.Background(), 10)
	if err != nil || len(ops) != 1 {
		t.Errorf("History() = %v, %v", ops, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	data, err := os.ReadFile(filepath.Join(cfg.LogDir, LogFileName))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(data), "credentials loaded") {
		t.Errorf("log does not mention loaded credentials:\n%s", data)
	}
}

func TestNewTMApp_Errors(t *testing.T) {
	t.Run("missing credentials", func(t *testing.T) {
		cfg := newTestConfig(t)
		os.Remove(cfg.CredentialsFile)
		if _, err := NewTMApp(context.Background(), cfg, Options{}); err == nil {
			t.Fatal("NewTMApp() expected error")
		}
	})

	t.Run("no usable credential", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Provider.ProbeLimit = 1
		_, err := NewTMApp(context.Background(), cfg, Options{})
		if !errors.Is(err, tm.ErrNoCredentials) {
			t.Fatalf("NewTMApp() error = %v, want ErrNoCredentials", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Tiers = nil
		if _, err := NewTMApp(context.Background(), cfg, Options{}); err == nil {
			t.Fatal("NewTMApp() expected error")
		}
	})

	// Failed constructions must not leave the monitor guard taken.
	a, err := NewTMApp(context.Background(), newTestConfig(t), Options{})
	if err != nil {
		t.Fatalf("NewTMApp() after failures error = %v", err)
	}
	a.Close()
}

func TestEncryptedCredentials(t *testing.T) {
	cfg := newTestConfig(t)
	pass := func() (string, error) { return "pw", nil }

	if err := InitKeys(cfg, "pw"); err != nil {
		t.Fatalf("InitKeys() error = %v", err)
	}
	dst, err := EncryptCredentials(cfg, cfg.CredentialsFile)
	if err != nil {
		t.Fatalf("EncryptCredentials() error = %v", err)
	}
	if dst != cfg.CredentialsFile+".age" {
		t.Errorf("EncryptCredentials() = %s", dst)
	}
	if _, err := EncryptCredentials(cfg, dst); err == nil {
		t.Error("EncryptCredentials() of an encrypted file expected error")
	}

	cfg.CredentialsFile = dst
	creds, err := LoadCredentials(cfg, pass, tm.NewNopLogger())
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	if len(creds) != 1 || creds[0].Key() != "alice/app" || creds[0].Token != "secret" {
		t.Errorf("LoadCredentials() = %+v", creds)
	}

	if _, err := LoadCredentials(cfg, nil, tm.NewNopLogger()); err == nil {
		t.Error("LoadCredentials() without passphrase source expected error")
	}
	failing := func() (string, error) { return "", errors.New("no terminal") }
	if _, err := LoadCredentials(cfg, failing, tm.NewNopLogger()); err == nil {
		t.Error("LoadCredentials() with failing passphrase source expected error")
	}
}

func TestEncryptedCredentials_Age(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Encryption.Type = "age"

	if _, err := EncryptCredentials(cfg, cfg.CredentialsFile); err == nil {
		t.Fatal("EncryptCredentials() without keys expected error")
	}
	if err := InitKeys(cfg, "correct horse"); err != nil {
		t.Fatalf("InitKeys() error = %v", err)
	}
	if err := InitKeys(cfg, "again"); err == nil {
		t.Error("second InitKeys() expected error")
	}

	dst, err := EncryptCredentials(cfg, cfg.CredentialsFile)
	if err != nil {
		t.Fatalf("EncryptCredentials() error = %v", err)
	}
	cfg.CredentialsFile = dst

	right := func() (string, error) { return "correct horse", nil }
	if creds, err := LoadCredentials(cfg, right, tm.NewNopLogger()); err != nil || len(creds) != 1 {
		t.Fatalf("LoadCredentials() = %v, %v", creds, err)
	}
	wrong := func() (string, error) { return "battery staple", nil }
	if _, err := LoadCredentials(cfg, wrong, tm.NewNopLogger()); err == nil {
		t.Error("LoadCredentials() with wrong passphrase expected error")
	}
}

func TestEncryptCredentials_RejectsBrokenFile(t *testing.T) {
	cfg := newTestConfig(t)
	src := filepath.Join(t.TempDir(), "broken.jsonl")
	if err := os.WriteFile(src, []byte("not json\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := EncryptCredentials(cfg, src); !errors.Is(err, tm.ErrNoCredentials) {
		t.Errorf("EncryptCredentials() error = %v, want ErrNoCredentials", err)
	}
	if _, err := os.Stat(src + ".age"); !os.IsNotExist(err) {
		t.Error("encrypted copy written for a broken file")
	}
}

func TestNewProviderFactory(t *testing.T) {
	for _, typ := range []string{"twitter", "memory"} {
		f, err := NewProviderFactory(config.ProviderConfig{Type: typ, BaseURL: "http://localhost"}, tm.NewNopLogger())
		if err != nil {
			t.Fatalf("NewProviderFactory(%s) error = %v", typ, err)
		}
		if _, err := f(tm.Credential{Owner: "a", App: "b", Token: "t"}); err != nil {
			t.Errorf("factory(%s) error = %v", typ, err)
		}
	}
	if _, err := NewProviderFactory(config.ProviderConfig{Type: "carrier-pigeon"}, nil); err == nil {
		t.Error("NewProviderFactory() with unknown type expected error")
	}
}
