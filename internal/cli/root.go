package cli

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/toolhub/internal/config"
	"github.com/harun/toolhub/internal/version"
	"github.com/harun/toolhub/pkg/toolexecutor"
)

var (
	cfgFile  string
	logLevel string

	extraProviders []toolexecutor.DomainProvider
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "toolhub",
	Short: "toolhub - multi-domain tool execution orchestrator",
	Long: `toolhub registers tools from domain providers and executes them behind
a safety layer: blacklists, approval gates, circuit breakers, timeouts and a
result cache. It runs as a daemon with an HTTP/websocket admin API or as a
one-shot command line.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.toolhub/toolhub.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// RegisterProvider adds a domain provider to every executor the CLI builds.
// It must be called before Execute.
func RegisterProvider(p toolexecutor.DomainProvider) {
	extraProviders = append(extraProviders, p)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version.Version
}

// loadConfig loads the --config file and applies the --log-level override.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, loader, nil
}

// setupCommandLogging sends logs of one-shot commands to stderr so stdout
// stays machine readable. Without --log-level only warnings are shown.
func setupCommandLogging() {
	level := zerolog.WarnLevel
	if logLevel != "" {
		if parsed, err := zerolog.ParseLevel(logLevel); err == nil {
			level = parsed
		}
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
	zerolog.SetGlobalLevel(level)
}
