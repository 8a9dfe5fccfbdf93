package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/matt-riley/lldrules/internal/validation"
	"gopkg.in/yaml.v3"
)

var errEmptyDocument = errors.New("document is empty")

// loadDocument reads a YAML or JSON file ("-" for stdin) and returns it in
// the form the validation pipeline decodes API requests into.
func loadDocument(path string, stdin io.Reader) (any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseDocument(data)
}

// parseDocument accepts YAML, and therefore JSON, and re-encodes it as JSON
// so numbers reach the validators as json.Number.
func parseDocument(data []byte) (any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if raw == nil {
		return nil, errEmptyDocument
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert document to json: %w", err)
	}
	return validation.DecodeBytes(encoded)
}
