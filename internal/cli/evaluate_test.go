package cli

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const evaluateRuleYAML = `
name: Mounted filesystems
filter:
  evaltype: 0
  conditions:
    - macro: "{#FSTYPE}"
      value: "^ext"
overrides:
  - name: Disable tmp
    step: 2
    operations:
      - operationobject: 0
        operator: 2
        value: /tmp
        opstatus:
          status: 1
  - name: Tag everything
    step: 1
    operations:
      - operationobject: 0
        operator: 1
        value: ""
        optag:
          - tag: fs
            value: local
`

const evaluateEntityYAML = `
macros:
  "{#FSTYPE}": %s
  "{#FSNAME}": /tmp
prototypes:
  - kind: 0
    name: Free space on /tmp
  - kind: 0
    name: Used space on /
`

func entityFile(t *testing.T, fsType string) string {
	t.Helper()
	return writeFile(t, "entity.yaml", fmt.Sprintf(evaluateEntityYAML, fsType))
}

func TestEvaluateAppliesOverridesInStepOrder(t *testing.T) {
	rule := writeFile(t, "rule.yaml", evaluateRuleYAML)

	out, err := execute(t, "--format", "json", "evaluate", "--rule", rule, "--entity", entityFile(t, "ext4"))
	require.NoError(t, err)

	var result core.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Discovered)
	assert.False(t, result.Stopped)
	assert.Equal(t, []int{1, 2}, result.AppliedSteps)
	require.Len(t, result.Prototypes, 2)
	assert.Equal(t, 1, result.Prototypes[0].Status)
	assert.Equal(t, 0, result.Prototypes[1].Status)
	for _, prototype := range result.Prototypes {
		assert.Equal(t, []core.Tag{{Tag: "fs", Value: "local"}}, prototype.Tags)
	}
}

func TestEvaluateRuleFilterRejectsEntity(t *testing.T) {
	rule := writeFile(t, "rule.yaml", evaluateRuleYAML)

	out, err := execute(t, "--format", "json", "evaluate", "--rule", rule, "--entity", entityFile(t, "tmpfs"))
	require.NoError(t, err)

	var result core.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.False(t, result.Discovered)
	assert.Empty(t, result.Prototypes)
}

func TestEvaluateTextOutputIsYAML(t *testing.T) {
	rule := writeFile(t, "rule.yaml", "overrides: []\n")

	out, err := execute(t, "evaluate", "--rule", rule, "--entity", entityFile(t, "ext4"))
	require.NoError(t, err)
	assert.Contains(t, out, "discovered: true")
	assert.Contains(t, out, "name: Free space on /tmp")
}

func TestEvaluateInvalidOverridePathIsRooted(t *testing.T) {
	rule := writeFile(t, "rule.yaml", "overrides:\n  - name: a\n    step: 0\n")

	out, err := execute(t, "--format", "json", "evaluate", "--rule", rule, "--entity", entityFile(t, "ext4"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result ValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotNil(t, result.Error)
	assert.Equal(t, "/overrides/1/step", result.Error.Path)
}

func TestEvaluateUndefinedFormulaCondition(t *testing.T) {
	rule := writeFile(t, "rule.yaml", `
filter:
  evaltype: 3
  formula: A and B
  conditions:
    - macro: "{#FSTYPE}"
      value: ext
      formulaid: A
`)

	out, err := execute(t, "evaluate", "--rule", rule, "--entity", entityFile(t, "ext4"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `Invalid parameter "/filter/formula"`)
}

func TestEvaluateRequiresBothFiles(t *testing.T) {
	rule := writeFile(t, "rule.yaml", evaluateRuleYAML)

	_, err := execute(t, "evaluate", "--rule", rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "entity" not set`)
}

func TestEvaluateRejectsRuleLists(t *testing.T) {
	rule := writeFile(t, "rules.yaml", "- {name: a}\n- {name: b}\n")

	_, err := execute(t, "evaluate", "--rule", rule, "--entity", entityFile(t, "ext4"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "expected exactly one rule, got 2")
}
