// Package cli implements the hebrew-whisper command line: the HTTP service
// and its offline helpers.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/config"
	"github.com/codebuildervaibhav/hebrew-whisper/internal/logging"
)

// Version is reported by /health and --version.
var Version = "1.0.0"

type appState struct {
	configPath string
	verbose    bool
	jsonLogs   bool
	noProgress bool

	cfg    *config.Config
	logs   *logging.Buffer
	logger *zap.Logger
	out    io.Writer
	in     io.Reader
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		configPath: "config/config.yaml",
		out:        os.Stdout,
		in:         os.Stdin,
	}

	cmd := &cobra.Command{
		Use:           "hebrew-whisper",
		Short:         "Hebrew speech-to-text transcription service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return app.setup()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.serve(cmd.Context())
		},
	}
	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configPath, "config", app.configPath, "Path to the YAML configuration file")
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newDriveAuthCmd(app))

	return cmd
}

// setup loads the configuration and builds the logger shared by every
// subcommand.
func (a *appState) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a.logs = logging.NewBuffer(1000)
	logger, err := logging.New(logging.Options{
		Verbose: a.verbose || cfg.Logging.Verbose,
		JSON:    a.jsonLogs || cfg.Logging.JSON,
		Tee:     a.logs,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}
