package cli

import (
	"fmt"

	"github.com/matt-riley/lldrules/internal/validation"
	"github.com/spf13/cobra"
)

// ValidationResult is the JSON output of the validate command.
type ValidationResult struct {
	Valid bool         `json:"valid"`
	Rules int          `json:"rules,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var operation string

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate discovery rules as a create or update request",
		Long: `Validate a YAML or JSON document of discovery rules the way the server
validates a create or update request, without checking hosts, templates or
master items. The document is either a list of rules or a single rule.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, operation, args[0])
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "create", "request type to validate against (create|update)")

	return cmd
}

func runValidate(cmd *cobra.Command, opts *RootOptions, operation, path string) error {
	log := opts.logger(cmd.ErrOrStderr())

	var check func(any) ([]map[string]any, error)
	switch operation {
	case "create":
		check = validation.Create
	case "update":
		check = validation.Update
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid operation %q: must be create or update", operation))
	}

	doc, err := loadDocument(path, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "load rules", err)
	}
	if single, ok := doc.(map[string]any); ok {
		doc = []any{single}
	}
	log.Debug("document loaded", "path", path, "operation", operation)

	rules, err := check(doc)
	if err != nil {
		return outputValidationFailure(cmd, opts, err)
	}
	log.Debug("document valid", "rules", len(rules))

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), ValidationResult{Valid: true, Rules: len(rules)})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %d discovery rule(s) valid\n", len(rules))
	return nil
}

func outputValidationFailure(cmd *cobra.Command, opts *RootOptions, err error) error {
	detail := detailOf(err)
	if opts.Format == "json" {
		if werr := writeJSON(cmd.OutOrStdout(), ValidationResult{Error: &detail}); werr != nil {
			return werr
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "✗ %s\n", detail.Message)
		if detail.Kind != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  kind: %s\n", detail.Kind)
		}
	}
	return WrapExitError(ExitFailure, "validation failed", err)
}
