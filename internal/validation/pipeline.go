package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/matt-riley/lldrules/internal/core"
)

// Decode reads exactly one JSON document keeping numbers as json.Number so
// integer and id fields are validated from their literal text.
func Decode(r io.Reader) (any, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode json: trailing data after document")
	}
	return value, nil
}

// DecodeBytes is Decode over a byte slice.
func DecodeBytes(data []byte) (any, error) {
	return Decode(bytes.NewReader(data))
}

// Bind copies a normalized document into dst. Fields absent from the
// document keep their current value in dst.
func Bind(normalized any, dst any) error {
	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("encode normalized document: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("bind normalized document: %w", err)
	}
	return nil
}

// Create validates a create request and returns the normalized rules with
// defaults applied.
func Create(value any) ([]map[string]any, error) {
	return run(CreateRule(), value)
}

// UpdateIDs validates the identity of each update entry and returns the ids
// in submission order.
func UpdateIDs(value any) ([]core.ID, error) {
	out, err := Validate(UpdateIDsRule(), value)
	if err != nil {
		return nil, err
	}
	list := out.([]any)
	ids := make([]core.ID, len(list))
	for i, entry := range list {
		raw, _ := entry.(map[string]any)["itemid"].(string)
		id, err := core.ParseID(raw)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// Update validates an update request. Every entry must already carry the
// persisted "type" of its rule.
func Update(value any) ([]map[string]any, error) {
	return run(UpdateRule(), value)
}

func run(rule Objects, value any) ([]map[string]any, error) {
	out, err := Validate(rule, value)
	if err != nil {
		return nil, err
	}
	list := out.([]any)
	if err := CheckRules(list); err != nil {
		return nil, err
	}
	rules := make([]map[string]any, len(list))
	for i, entry := range list {
		rules[i] = entry.(map[string]any)
	}
	return rules, nil
}

// Overrides validates a standalone override list, as used by offline
// evaluation, and decodes it.
func Overrides(value any) ([]core.Override, error) {
	out, err := Validate(OverridesRule(), value)
	if err != nil {
		return nil, err
	}
	for i, override := range out.([]any) {
		if err := checkOverride(override, join("/", strconv.Itoa(i+1))); err != nil {
			return nil, err
		}
	}
	var overrides []core.Override
	if err := Bind(out, &overrides); err != nil {
		return nil, err
	}
	return overrides, nil
}

// Filter validates a standalone filter and decodes it.
func Filter(value any) (core.Filter, error) {
	out, err := Validate(filterRule(), value)
	if err != nil {
		return core.Filter{}, err
	}
	if err := checkFilterFormula(out.(map[string]any), "/"); err != nil {
		return core.Filter{}, err
	}
	var filter core.Filter
	if err := Bind(out, &filter); err != nil {
		return core.Filter{}, err
	}
	return filter, nil
}
