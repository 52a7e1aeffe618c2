package cli

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/download"
	"github.com/fmueller/whisperd/internal/logging"
	"github.com/fmueller/whisperd/internal/platform"
	"github.com/fmueller/whisperd/internal/version"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type appState struct {
	configFile string
	envFile    string
	verbose    bool
	jsonLogs   bool
	noProgress bool

	logger *zap.Logger

	lookupEnv func(string) (string, bool)
	listen    func(network, address string) (net.Listener, error)
	newLoader func(opts whisper.LoaderOptions) whisper.Loader
	fetch     func(ctx context.Context, opts download.Options) error
}

func newAppState() *appState {
	return &appState{
		lookupEnv: os.LookupEnv,
		listen:    net.Listen,
		newLoader: func(opts whisper.LoaderOptions) whisper.Loader { return whisper.NewCLILoader(opts) },
		fetch:     download.Fetch,
	}
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "whisperd",
		Short:         "Serve local whisper speech-to-text over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Level: app.flagLevel(""), JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configFile, "config", "", "YAML config file (default $"+config.EnvConfigFile+")")
	flags.StringVar(&app.envFile, "env-file", "", "Env file to load (default .env when present)")
	flags.BoolVar(&app.verbose, "verbose", false, "Enable debug logs")
	flags.BoolVar(&app.jsonLogs, "json", false, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", false, "Disable progress indicators")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newModelsCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newUICmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadSettings resolves the layered configuration and rebuilds the logger from
// it. Flags still win over LOG_LEVEL and LOG_FORMAT.
func (a *appState) loadSettings() (config.Settings, error) {
	settings, err := config.Load(config.Sources{
		ConfigFile: a.configFile,
		EnvFile:    a.envFile,
		LookupEnv:  a.lookupEnv,
	})
	if err != nil {
		return config.Settings{}, err
	}

	logger, err := logging.New(logging.Options{
		Level: a.flagLevel(settings.LogLevel),
		JSON:  a.jsonLogs || settings.JSONLogs(),
		File:  settings.LogFile,
	})
	if err != nil {
		return config.Settings{}, fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	return settings, nil
}

func (a *appState) flagLevel(fallback string) string {
	if a.verbose {
		return "debug"
	}
	return fallback
}

func (a *appState) modelStorageDir(override string) (string, error) {
	dir, err := platform.ResolveModelDir(override)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
