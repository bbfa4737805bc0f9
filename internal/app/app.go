package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tm-go/internal/api"
	"tm-go/internal/archive"
	"tm-go/internal/config"
	"tm-go/internal/credentials"
	"tm-go/internal/database"
	"tm-go/internal/encryption"
	"tm-go/internal/provider/memory"
	"tm-go/internal/provider/twitter"
	"tm-go/internal/tm"
)

// Archive pacing used when the config leaves it unset.
const (
	DefaultArchiveInterval = time.Hour
	DefaultArchiveGrace    = 10 * time.Minute
)

// Options holds process-level inputs that do not come from the config file.
type Options struct {
	// Passphrase returns the passphrase protecting the age private key. It is
	// only called when the credentials file is encrypted.
	Passphrase func() (string, error)

	// LogLevel is the minimum level written to the log. Defaults to INFO.
	LogLevel slog.Leveler

	// Stderr receives a copy of every log line. Nil disables the copy.
	Stderr io.Writer
}

// TMApp is the application layer between the CLI and the monitor.
// It constructs all dependencies from config, runs the background loops and
// the control API, and releases everything on Close.
type TMApp struct {
	cfg      *config.Config
	db       *database.SQLiteDatabase
	archive  tm.Archive
	monitor  *tm.Monitor
	archiver *tm.Archiver
	server   *api.Server
	logger   tm.Logger
	logFile  *os.File
}

// NewTMApp creates a fully wired TMApp from the given config: it loads the
// credentials, probes every credential, loads the stored crawlers (paused)
// and prepares the control API. The caller must call Close when done.
func NewTMApp(ctx context.Context, cfg *config.Config, opts Options) (*TMApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()[:8]
	slogger, logFile, err := newLogger(cfg.LogDir, runID, opts.LogLevel, opts.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &TMApp{cfg: cfg, logger: logger, logFile: logFile}
	if err := a.init(ctx, settings, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *TMApp) init(ctx context.Context, settings tm.Settings, opts Options) error {
	creds, err := LoadCredentials(a.cfg, opts.Passphrase, a.logger)
	if err != nil {
		return err
	}

	providers, err := NewProviderFactory(a.cfg.Provider, a.logger)
	if err != nil {
		return err
	}

	a.db, err = database.NewDatabaseFromConfig(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	if err := a.db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	a.archive, err = archive.NewArchiveFromConfig(ctx, a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	if a.archive != nil {
		if err := a.archive.ValidateSetup(); err != nil {
			return fmt.Errorf("archive not usable: %w", err)
		}
	}

	a.monitor, err = tm.NewMonitor(ctx, tm.MonitorOptions{
		Settings:    settings,
		Credentials: creds,
		Providers:   providers,
		History:     a.db,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("starting monitor: %w", err)
	}

	if a.archive != nil {
		interval := a.cfg.Archive.Interval.Duration
		if interval <= 0 {
			interval = DefaultArchiveInterval
		}
		grace := a.cfg.Archive.Grace.Duration
		if grace <= 0 {
			grace = DefaultArchiveGrace
		}
		a.archiver = tm.NewArchiver(a.monitor, a.archive, a.db, interval, grace, a.logger, nil)
	}

	listen := a.cfg.Control.Listen
	if listen == "" {
		listen = config.DefaultListen
	}
	a.server = api.NewServer(a.monitor, listen, a.logger)
	return nil
}

// Monitor returns the lifecycle API.
func (a *TMApp) Monitor() *tm.Monitor { return a.monitor }

// Handler returns the control API handler.
func (a *TMApp) Handler() http.Handler { return a.server.Handler() }

// Serve runs the persistence worker, status monitor, archiver and control API
// until ctx is cancelled or one of them fails.
func (a *TMApp) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error { return a.server.Run(gctx) })
	if a.archiver != nil {
		g.Go(func() error { return a.archiver.Run(gctx) })
	}

	a.logger.Info("tm running", "listen", a.server.Addr(), "crawlers", len(a.monitor.Crawlers()))
	err := g.Wait()
	a.logger.Info("tm stopped")
	return err
}

// Close stops the provider streams and closes the database and log file.
func (a *TMApp) Close() error {
	var firstErr error

	if a.monitor != nil {
		if err := a.monitor.Close(); err != nil {
			firstErr = fmt.Errorf("closing monitor: %w", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// LoadCredentials reads the configured credentials file, unlocking the age
// private key first when the file is encrypted.
func LoadCredentials(cfg *config.Config, passphrase func() (string, error), logger tm.Logger) ([]tm.Credential, error) {
	var dc encryption.DecryptionContext
	if credentials.IsEncrypted(cfg.CredentialsFile) {
		if passphrase == nil {
			return nil, fmt.Errorf("credentials file %s is encrypted and no passphrase source is available", cfg.CredentialsFile)
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
		pass, err := passphrase()
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		dc, err = enc.Unlock(pass)
		if err != nil {
			return nil, fmt.Errorf("unlocking private key: %w", err)
		}
	}

	creds, err := credentials.LoadFile(cfg.CredentialsFile, dc, logger)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	logger.Info("credentials loaded", "count", len(creds))
	return creds, nil
}

// NewProviderFactory creates the stream provider factory selected by cfg.
func NewProviderFactory(cfg config.ProviderConfig, logger tm.Logger) (tm.ProviderFactory, error) {
	switch cfg.Type {
	case "twitter":
		return twitter.Factory(twitter.Options{
			BaseURL:           cfg.BaseURL,
			RequestsPerMinute: cfg.RequestsPerMin,
			MaxBackoff:        cfg.MaxBackoff.Duration,
			Logger:            logger,
		}), nil
	case "memory":
		var opts []memory.Option
		if cfg.ProbeLimit > 0 {
			opts = append(opts, memory.WithProbeLimit(cfg.ProbeLimit))
		}
		return memory.Factory(opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %q", cfg.Type)
	}
}

// InitKeys generates the age key pair protecting the credentials file.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if err := enc.Setup(passphrase); err != nil {
		return fmt.Errorf("generating keys: %w", err)
	}
	return nil
}

// EncryptCredentials encrypts the plaintext credentials file src with the
// public key and returns the path of the encrypted copy (src + ".age").
// The copy is parsed back first so a broken file is never encrypted.
func EncryptCredentials(cfg *config.Config, src string) (string, error) {
	if credentials.IsEncrypted(src) {
		return "", fmt.Errorf("%s is already encrypted", src)
	}
	if _, err := credentials.LoadFile(src, nil, tm.NewNopLogger()); err != nil {
		return "", err
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return "", fmt.Errorf("creating encryptor: %w", err)
	}
	if !enc.IsConfigured() {
		return "", fmt.Errorf("encryption keys not found; run `tm credentials init` first")
	}

	dst := src + credentials.EncryptedSuffix
	if err := encryption.EncryptFile(enc, src, dst); err != nil {
		return "", err
	}
	return dst, nil
}
