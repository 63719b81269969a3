package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/livepush/internal/config"
	"github.com/vango-dev/livepush/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ╦  ┬┬  ┬┌─┐┌─┐┬ ┬┌─┐┬ ┬
  ║  │└┐┌┘├┤ ├─┘│ │└─┐├─┤
  ╩═╝┴ └┘ └─┘┴  └─┘└─┘┴ ┴
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "livepush",
		Short: "Push scripts to running devices over the network",
		Long: `livepush serves Lua scripts to embedded runtimes over TCP.

Runtimes connect to the bridge, receive the entry file, and are
told to reload whenever a watched script changes. Features include:

  • Binary command protocol with an HTTP GET fallback on the same port
  • Onboarding push and broadcast reload
  • Filesystem or S3 script sources
  • Editor console over WebSocket with runtime logs and errors
  • Prometheus metrics`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var noColor bool
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output (also honors NO_COLOR)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setColor(!noColor && os.Getenv("NO_COLOR") == "")
	}

	rootCmd.AddCommand(
		serveCmd(),
		fetchCmd(),
		initCmd(),
		explainCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		errors.PrintError(errors.FromError(err, errors.CodeCommandFailed))
		os.Exit(1)
	}
}

// useColor controls ANSI escapes in CLI output.
var useColor = true

func setColor(enabled bool) {
	useColor = enabled
	errors.SetColor(enabled)
}

func colored(code, text string) string {
	if !useColor {
		return text
	}
	return code + text + "\033[0m"
}

// printBanner prints the livepush ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("%s %s\n", colored("\033[32m", "✓"), fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("%s %s\n", colored("\033[33m", "⚠"), fmt.Sprintf(format, args...))
}

// errorMsg prints an error message.
func errorMsg(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", colored("\033[31m", "✗"), fmt.Sprintf(format, args...))
}

// newLogger builds the process logger from the log section of cfg.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
