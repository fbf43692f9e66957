package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	porch "github.com/porchlabs/porch-go"
	"github.com/rs/zerolog"
)

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// getLogger builds a console logger for interactive commands.
func getLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// getClient creates a store client from the saved configuration.
func getClient() (*porch.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'porch init <token>' first.")
		os.Exit(1)
	}

	opts := []porch.ClientOption{porch.WithLogger(getLogger())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, porch.WithBaseURL(cfg.Default.BaseURL))
	}
	return porch.NewClient(cfg.Default.Token, opts...), cfg
}

// ============================================================================
// Local state storage
// ============================================================================

// fileKV stores each key as a file under ~/.porch/state, giving the offline
// queue and the notification dedup set durability across CLI invocations.
type fileKV struct {
	dir string
}

func openStateKV() (*fileKV, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Join(dir, "state")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create state directory: %w", err)
	}
	return &fileKV{dir: stateDir}, nil
}

func (f *fileKV) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(f.dir, safe)
}

func (f *fileKV) Get(key string) ([]byte, bool) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (f *fileKV) Set(key string, value []byte) error {
	return os.WriteFile(f.path(key), value, 0o600)
}

func (f *fileKV) Remove(key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

var _ porch.KVStore = (*fileKV)(nil)

// ============================================================================
// Platform shims
// ============================================================================

// cliConnectivity reports the process as always online; the CLI only runs
// drains when the user asks for them.
type cliConnectivity struct{}

func (cliConnectivity) Status() porch.ConnectivityStatus {
	return porch.ConnectivityStatus{Connected: true}
}

func (cliConnectivity) OnChange(func(porch.ConnectivityStatus)) func() {
	return func() {}
}

// consoleToaster renders notifications as terminal lines.
type consoleToaster struct{}

func (consoleToaster) Show(t porch.Toast) error {
	marker := "*"
	if t.Urgent {
		marker = "!"
	}
	fmt.Printf("[%s] %s: %s\n", marker, t.Title, t.Body)
	return nil
}
