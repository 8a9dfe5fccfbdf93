package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/repository"
	"github.com/matt-riley/lldrules/internal/validation"
)

const selectExtend = "extend"

// Selection is either "extend" or an explicit list of field names.
type Selection struct {
	Set    bool
	Extend bool
	Fields []string
}

func (s *Selection) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	s.Set = true
	var keyword string
	if err := json.Unmarshal(data, &keyword); err == nil {
		if keyword != selectExtend {
			return fmt.Errorf("selection must be %q or a list of fields", selectExtend)
		}
		s.Extend = true
		return nil
	}
	if err := json.Unmarshal(data, &s.Fields); err != nil {
		return fmt.Errorf("selection must be %q or a list of fields", selectExtend)
	}
	return nil
}

func (s Selection) MarshalJSON() ([]byte, error) {
	if s.Extend {
		return json.Marshal(selectExtend)
	}
	return json.Marshal(s.Fields)
}

// GetParams selects discovery rules and the related objects to embed.
type GetParams struct {
	ItemIDs             []core.ID `json:"itemids,omitempty"`
	HostIDs             []core.ID `json:"hostids,omitempty"`
	Output              Selection `json:"output"`
	SelectFilter        Selection `json:"selectFilter"`
	SelectOverrides     Selection `json:"selectOverrides"`
	SelectPreprocessing Selection `json:"selectPreprocessing"`
	SelectLLDMacroPaths Selection `json:"selectLLDMacroPaths"`
	Limit               int       `json:"limit,omitempty"`
}

var (
	ruleOutputFields = []string{
		"itemid", "hostid", "name", "key_", "type", "delay", "master_itemid",
		"status", "lifetime", "description", "templateid",
	}
	filterOutputFields        = []string{"evaltype", "formula", "eval_formula", "conditions"}
	overrideOutputFields      = []string{"name", "step", "stop", "filter", "operations"}
	preprocessingOutputFields = []string{"type", "params", "error_handler", "error_handler_params"}
	macroPathOutputFields     = []string{"lld_macro_pathid", "lld_macro", "path"}
)

// DecodeGetParams decodes a get selector. Unknown members and field names
// are rejected with path-addressed errors.
func DecodeGetParams(data []byte) (GetParams, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var params GetParams
	if err := decoder.Decode(&params); err != nil {
		return GetParams{}, validation.Errorf(validation.KindShape, "/", "%s", strings.TrimPrefix(err.Error(), "json: "))
	}
	if params.Limit < 0 {
		return GetParams{}, validation.Errorf(validation.KindShape, "/limit", "value must be one of 0-%d", maxLimit)
	}

	checks := []struct {
		name      string
		selection Selection
		allowed   []string
	}{
		{"output", params.Output, ruleOutputFields},
		{"selectFilter", params.SelectFilter, filterOutputFields},
		{"selectOverrides", params.SelectOverrides, overrideOutputFields},
		{"selectPreprocessing", params.SelectPreprocessing, preprocessingOutputFields},
		{"selectLLDMacroPaths", params.SelectLLDMacroPaths, macroPathOutputFields},
	}
	for _, check := range checks {
		for i, field := range check.selection.Fields {
			if !contains(check.allowed, field) {
				return GetParams{}, validation.Errorf(validation.KindEnumMembership,
					"/"+check.name+"/"+strconv.Itoa(i+1), "value must be one of %s", quoteAll(check.allowed))
			}
		}
	}
	return params, nil
}

const maxLimit = 1<<31 - 1

// Get returns the selected rules projected to the requested output. Every
// returned filter carries its rendered eval_formula.
func (s *Service) Get(ctx context.Context, params GetParams) ([]map[string]any, error) {
	ctx, span := tracer.Start(ctx, "service.Get")
	defer span.End()

	rules, err := s.repo.ListRules(ctx, repository.RuleQuery{
		ItemIDs: params.ItemIDs,
		HostIDs: params.HostIDs,
		KeyID:   APIKeyFromContext(ctx),
		Limit:   params.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get rules: %w", err)
	}

	out := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		projected, err := projectRule(rule.DiscoveryRule, params)
		if err != nil {
			return nil, err
		}
		out = append(out, projected)
	}
	return out, nil
}

// GetRule returns one rule with every child collection.
func (s *Service) GetRule(ctx context.Context, itemID core.ID) (core.DiscoveryRule, error) {
	rules, err := s.repo.ListRules(ctx, repository.RuleQuery{
		ItemIDs: []core.ID{itemID},
		KeyID:   APIKeyFromContext(ctx),
	})
	if err != nil {
		return core.DiscoveryRule{}, fmt.Errorf("get rule: %w", err)
	}
	if len(rules) == 0 {
		return core.DiscoveryRule{}, ErrRuleNotFound
	}
	return renderFilters(rules[0].DiscoveryRule), nil
}

func renderFilters(rule core.DiscoveryRule) core.DiscoveryRule {
	rule.Filter = core.NormalizeFilter(rule.Filter)
	overrides := make([]core.Override, len(rule.Overrides))
	copy(overrides, rule.Overrides)
	rule.Overrides = normalizeOverrides(overrides)
	return rule
}

func projectRule(rule core.DiscoveryRule, params GetParams) (map[string]any, error) {
	data, err := json.Marshal(renderFilters(rule))
	if err != nil {
		return nil, fmt.Errorf("marshal rule: %w", err)
	}
	var full map[string]any
	if err := json.Unmarshal(data, &full); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}

	output := params.Output
	if !output.Set {
		output.Extend = true
	}
	out := pick(full, output, ruleOutputFields)
	if _, ok := out["itemid"]; !ok {
		out["itemid"] = full["itemid"]
	}

	related := []struct {
		key       string
		selection Selection
		fields    []string
	}{
		{"filter", params.SelectFilter, filterOutputFields},
		{"overrides", params.SelectOverrides, overrideOutputFields},
		{"preprocessing", params.SelectPreprocessing, preprocessingOutputFields},
		{"lld_macro_paths", params.SelectLLDMacroPaths, macroPathOutputFields},
	}
	for _, rel := range related {
		if !rel.selection.Set {
			continue
		}
		switch value := full[rel.key].(type) {
		case map[string]any:
			out[rel.key] = pick(value, rel.selection, rel.fields)
		case []any:
			list := make([]any, len(value))
			for i, element := range value {
				object, _ := element.(map[string]any)
				list[i] = pick(object, rel.selection, rel.fields)
			}
			out[rel.key] = list
		default:
			out[rel.key] = []any{}
		}
	}
	return out, nil
}

func pick(object map[string]any, selection Selection, allowed []string) map[string]any {
	fields := allowed
	if !selection.Extend {
		fields = selection.Fields
	}
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		if value, ok := object[field]; ok {
			out[field] = value
		}
	}
	return out
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return strings.Join(quoted, ", ")
}
