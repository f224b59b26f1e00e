package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/amurg-ai/deskline/client/config"
	"github.com/amurg-ai/deskline/client/session"
)

var version = "dev"

// NewRootCmd creates the root cobra command for deskline.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "deskline",
		Short:         "Session-resilient client for the ticketing backend",
		Long:          "deskline signs in to the ticketing backend, keeps the session alive across token expiry and follows realtime rooms and topics.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newLoginCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

// resolveConfigPath returns the --config flag value, or the default path.
func resolveConfigPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return config.DefaultConfigPath()
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := resolveConfigPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

// newLogger writes JSON logs, or text logs when w is a terminal.
func newLogger(level string, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openSession loads the config and builds a Session. Logs go to stderr so
// stdout stays machine readable.
func openSession(cmd *cobra.Command) (*session.Session, *slog.Logger, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel, cmd.ErrOrStderr())
	s, err := session.New(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open session: %w", err)
	}
	return s, logger, nil
}
