package cli

import (
	"encoding/json"
	"fmt"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/validation"
	"github.com/spf13/cobra"
)

// entityDocument is one discovered row plus the prototypes it instantiates.
type entityDocument struct {
	Macros     map[string]any   `json:"macros"`
	Prototypes []core.Prototype `json:"prototypes"`
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	var rulePath, entityPath string

	cmd := &cobra.Command{
		Use:   "evaluate --rule <file> --entity <file>",
		Short: "Run a rule filter and its overrides against one discovered entity",
		Long: `Evaluate the filter and overrides of a discovery rule document against an
entity document of the form {"macros": {...}, "prototypes": [...]} and print
the resulting prototypes, the override steps that applied and whether a
stop step ended evaluation.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, rootOpts, rulePath, entityPath)
		},
	}
	cmd.Flags().StringVar(&rulePath, "rule", "", "discovery rule file (YAML or JSON)")
	cmd.Flags().StringVar(&entityPath, "entity", "", "entity file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("rule")
	_ = cmd.MarkFlagRequired("entity")

	return cmd
}

func runEvaluate(cmd *cobra.Command, opts *RootOptions, rulePath, entityPath string) error {
	log := opts.logger(cmd.ErrOrStderr())

	ruleDoc, err := loadDocument(rulePath, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "load rule", err)
	}
	rule, err := singleRule(ruleDoc)
	if err != nil {
		return WrapExitError(ExitCommandError, "load rule", err)
	}

	filter, overrides, err := compileInputs(rule)
	if err != nil {
		return outputValidationFailure(cmd, opts, err)
	}
	log.Debug("rule loaded", "path", rulePath, "filtered", filter != nil, "overrides", len(overrides))

	entityDoc, err := loadDocument(entityPath, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "load entity", err)
	}
	entity, prototypes, err := bindEntity(entityDoc)
	if err != nil {
		return WrapExitError(ExitCommandError, "load entity", err)
	}

	ruleset, err := core.NewRuleset(filter, overrides)
	if err != nil {
		return WrapExitError(ExitFailure, "compile rule", err)
	}
	result := ruleset.Evaluate(entity, prototypes)
	log.Debug("entity evaluated", "discovered", result.Discovered, "applied_steps", result.AppliedSteps)

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	return writeYAML(cmd.OutOrStdout(), result)
}

func singleRule(doc any) (map[string]any, error) {
	switch v := doc.(type) {
	case map[string]any:
		return v, nil
	case []any:
		if len(v) == 1 {
			if rule, ok := v[0].(map[string]any); ok {
				return rule, nil
			}
		}
		return nil, fmt.Errorf("expected exactly one rule, got %d", len(v))
	default:
		return nil, fmt.Errorf("expected a rule object, got %T", doc)
	}
}

// compileInputs validates the filter and overrides of rule and re-roots any
// error path at the rule.
func compileInputs(rule map[string]any) (*core.Filter, []core.Override, error) {
	var filter *core.Filter
	if raw, ok := rule["filter"]; ok {
		f, err := validation.Filter(raw)
		if err != nil {
			return nil, nil, reroot(err, "filter")
		}
		filter = &f
	}

	var overrides []core.Override
	if raw, ok := rule["overrides"]; ok {
		o, err := validation.Overrides(raw)
		if err != nil {
			return nil, nil, reroot(err, "overrides")
		}
		overrides = o
	}
	return filter, overrides, nil
}

func reroot(err error, field string) error {
	verr, ok := validation.As(err)
	if !ok || verr.Path == "" {
		return err
	}
	path := "/" + field
	if verr.Path != "/" {
		path += verr.Path
	}
	return validation.Errorf(verr.Kind, path, "%s", verr.Reason)
}

func bindEntity(doc any) (core.Entity, []core.Prototype, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	var entity entityDocument
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, nil, fmt.Errorf("decode entity: %w", err)
	}
	macros := make(core.Entity, len(entity.Macros))
	for name, value := range entity.Macros {
		if value != nil {
			macros[name] = fmt.Sprint(value)
		} else {
			macros[name] = ""
		}
	}
	return macros, entity.Prototypes, nil
}
