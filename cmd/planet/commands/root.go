// Package commands implements the planet command line interface.
package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/logging"
	"github.com/planetlabs/planet-client-go/pkg/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// Output formats.
const (
	OutputFormatTable = "table"
	OutputFormatJSON  = "json"
	OutputFormatYAML  = "yaml"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// UsageError marks an invalid invocation.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

func usageErrorf(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error returned by the root command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var usage *UsageError
	if errors.As(err, &usage) {
		return ExitUsage
	}
	// cobra reports unknown subcommands as plain errors.
	if strings.HasPrefix(err.Error(), "unknown command") {
		return ExitUsage
	}
	return ExitError
}

// ReportError writes err for the user. API errors are written as the server
// sent them.
func ReportError(w io.Writer, err error) {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
		fmt.Fprintln(w, strings.TrimSpace(string(apiErr.Body)))
		return
	}
	fmt.Fprintln(w, "Error:", err)
}

// app carries the configuration shared by all commands.
type app struct {
	v    *viper.Viper
	info BuildInfo
}

// NewRootCommand creates the planet command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	a := &app{v: viper.New(), info: info}

	root := &cobra.Command{
		Use:   "planet",
		Short: "Planet platform CLI",
		Long: `A command-line interface for the Planet Data, Orders and Subscriptions APIs.

Configuration is read from flags, PL_* environment variables and
$HOME/.planet/config.yml, in that order of precedence.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.initConfig,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default is $HOME/.planet/config.yml)")
	flags.String("api-key", "", "API key")
	flags.String("base-url", client.DefaultBaseURL, "API base URL")
	flags.StringP("output", "o", OutputFormatTable, "output format (table, json, yaml)")
	flags.String("log-level", string(logging.LevelDisabled), "log level (debug, info, warn, error, disabled)")
	flags.Int64("max-in-flight", 5, "maximum concurrent API requests")
	flags.Int("retry-max-attempts", 5, "maximum attempts per request, including the first")
	flags.Duration("retry-max-backoff", 60*time.Second, "maximum backoff between attempts")
	flags.String("redis-url", "", "redis URL for the shared rate limit state and response cache")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	for key, flag := range map[string]string{
		"config":             "config",
		"api_key":            "api-key",
		"base_url":           "base-url",
		"output":             "output",
		"log_level":          "log-level",
		"max_in_flight":      "max-in-flight",
		"retry_max_attempts": "retry-max-attempts",
		"retry_max_backoff":  "retry-max-backoff",
		"redis_url":          "redis-url",
		"metrics_addr":       "metrics-addr",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(newVersionCommand(a))
	root.AddCommand(newDataCommand(a))
	root.AddCommand(newOrdersCommand(a))
	root.AddCommand(newSubscriptionsCommand(a))
	root.AddCommand(newFetchCommand(a))

	return root
}

func (a *app) initConfig(cmd *cobra.Command, _ []string) error {
	a.v.SetEnvPrefix("PL")
	a.v.AutomaticEnv()

	cfgFile := a.v.GetString("config")
	if cfgFile != "" {
		a.v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(filepath.Join(home, ".planet"))
		a.v.SetConfigName("config")
		a.v.SetConfigType("yml")
	}

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return usageErrorf("read config: %v", err)
		}
	}

	switch a.output() {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
	default:
		return usageErrorf("unknown output format %q (want table, json or yaml)", a.output())
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(a.v.GetString("log_level")),
		Pretty: isTerminal(cmd.ErrOrStderr()),
		Output: cmd.ErrOrStderr(),
	})

	if addr := a.v.GetString("metrics_addr"); addr != "" {
		if _, err := metrics.Serve(cmd.Context(), addr); err != nil {
			return fmt.Errorf("serve metrics: %w", err)
		}
	}
	return nil
}

func (a *app) output() string {
	return strings.ToLower(a.v.GetString("output"))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &UsageError{Err: err}
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return &UsageError{Err: err}
		}
		return nil
	}
}
