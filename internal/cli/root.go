// Package cli implements lldctl, an offline companion to the lldrules
// server. It validates discovery rule documents and evaluates filters and
// overrides against sample entities without a database.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/matt-riley/lldrules/internal/logging"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the lldctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "lldctl",
		Short:         "Validate and evaluate low-level discovery rules offline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log progress to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))

	return cmd
}

// logger returns a debug text logger on stderr when verbose output is on.
func (o *RootOptions) logger(stderr io.Writer) *slog.Logger {
	if !o.Verbose {
		return logging.Discard()
	}
	return logging.NewWithWriter("debug", logging.FormatText, stderr)
}
