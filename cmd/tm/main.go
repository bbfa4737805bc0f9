package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tm-go/internal/api"
	"tm-go/internal/app"
	"tm-go/internal/config"
	"tm-go/internal/tm"
)

// requestTimeout bounds every call to the control API.
const requestTimeout = 30 * time.Second

var addrFlag string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// readConfig reads the config file named by the defaults.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newClient returns a client for the running monitor. The address comes from
// --addr, then the config file, then the built-in default.
func newClient() *api.Client {
	addr := addrFlag
	if addr == "" {
		addr = config.DefaultListen
		if cfg, err := readConfig(); err == nil && cfg.Control.Listen != "" {
			addr = cfg.Control.Listen
		}
	}
	return api.NewClient(addr)
}

// passphrase reads the key passphrase from TM_PASSPHRASE or, failing that,
// from the terminal without echo.
func passphrase() (string, error) {
	if p := os.Getenv(app.EnvPassphrase); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; set %s", app.EnvPassphrase)
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// newPassphrase asks twice when reading from a terminal.
func newPassphrase() (string, error) {
	p, err := passphrase()
	if err != nil || os.Getenv(app.EnvPassphrase) != "" {
		return p, err
	}
	fmt.Fprint(os.Stderr, "Repeat passphrase: ")
	again, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if string(again) != p {
		return "", errors.New("passphrases do not match")
	}
	if p == "" {
		return "", errors.New("passphrase must not be empty")
	}
	return p, nil
}

// lifecycle runs one lifecycle call against the monitor and prints its message.
func lifecycle(call func(ctx context.Context, c *api.Client) (string, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	msg, err := call(ctx, newClient())
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

var rootCmd = &cobra.Command{
	Use:          "tm",
	Short:        "Stream crawler monitor",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Data Dir:    %s\n", cfg.DataDir)
		fmt.Printf("Credentials: %s\n", cfg.CredentialsFile)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Data Dir:    %s\n", cfg.DataDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Credentials: %s\n", cfg.CredentialsFile)
		fmt.Printf("Provider:    %s\n", cfg.Provider.Type)
		fmt.Printf("Database:    %s\n", cfg.Database.Type)
		fmt.Printf("Archive:     %s\n", cfg.Archive.Type)
		fmt.Printf("Listen:      %s\n", cfg.Control.Listen)
		for _, t := range cfg.Tiers {
			fmt.Printf("Tier:        %s (%d rules of %d chars, probe %d)\n", t.Name, t.MaxRules, t.MaxRuleLength, t.ProbeCount)
		}
		return nil
	},
}

// credentials command
var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the credentials file",
}

var credentialsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair protecting the credentials file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		pass, err := newPassphrase()
		if err != nil {
			return err
		}
		if err := app.InitKeys(cfg, pass); err != nil {
			return err
		}
		fmt.Printf("Keys written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

var credentialsEncryptCmd = &cobra.Command{
	Use:   "encrypt SRC",
	Short: "Encrypt a plaintext credentials file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		dst, err := app.EncryptCredentials(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Encrypted credentials written to %s\n", dst)
		fmt.Printf("Set credentials_file = %q and remove %s\n", dst, args[0])
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor and its control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")

		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if addrFlag != "" {
			cfg.Control.Listen = addrFlag
		}

		opts := app.Options{Passphrase: passphrase, Stderr: os.Stderr}
		if debug {
			opts.LogLevel = slog.LevelDebug
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.NewTMApp(ctx, cfg, opts)
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

// lifecycle commands
var trackCmd = &cobra.Command{
	Use:   "track NAME KEYWORD...",
	Short: "Create a crawler tracking keywords",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return lifecycle(func(ctx context.Context, c *api.Client) (string, error) {
			return c.Track(ctx, args[0], args[1:])
		})
	},
}

var followCmd = &cobra.Command{
	Use:   "follow NAME ACCOUNT_ID...",
	Short: "Create a crawler following accounts",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return lifecycle(func(ctx context.Context, c *api.Client) (string, error) {
			return c.Follow(ctx, args[0], args[1:])
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause NAME",
	Short: "Pause an active crawler",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return lifecycle(func(ctx context.Context, c *api.Client) (string, error) {
			return c.Pause(ctx, args[0])
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume NAME",
	Short: "Resume a paused crawler",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return lifecycle(func(ctx context.Context, c *api.Client) (string, error) {
			return c.Resume(ctx, args[0])
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a crawler, keeping its collected data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return lifecycle(func(ctx context.Context, c *api.Client) (string, error) {
			return c.Delete(ctx, args[0])
		})
	},
}

// info command
var infoCmd = &cobra.Command{
	Use:   "info [NAME]",
	Short: "Show crawlers and credential usage",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		client := newClient()

		if len(args) == 1 {
			info, err := client.Crawler(ctx, args[0])
			if err != nil {
				return err
			}
			tm.WriteCrawlerReport(os.Stdout, info)
			return nil
		}

		resp, err := client.Info(ctx)
		if err != nil {
			return err
		}
		tm.WriteSummary(os.Stdout, resp.Summary, resp.NameWidth)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View lifecycle operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		ops, err := newClient().History(ctx, limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if !op.FinishedAt.IsZero() {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-7s  %-20s  %s  %-7s  %-8s  %s\n",
				op.ID,
				op.Operation,
				op.Crawler,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Message,
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Control API address (default from config)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// credentials subcommands
	credentialsCmd.AddCommand(credentialsInitCmd)
	credentialsCmd.AddCommand(credentialsEncryptCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("debug", false, "Log at debug level")
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", api.DefaultHistoryLimit, "Maximum number of operations to show")
}
