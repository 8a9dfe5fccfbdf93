package service

import (
	"testing"

	"github.com/matt-riley/lldrules/internal/validation"
)

func FuzzDecodeGetParams(f *testing.F) {
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"output":"extend","selectFilter":"extend"}`))
	f.Add([]byte(`{"output":["name","key_"],"selectLLDMacroPaths":["lld_macro"]}`))
	f.Add([]byte(`{"output":["bogus"]}`))
	f.Add([]byte(`{"limit":-1}`))
	f.Add([]byte(`{"selectOverrides"`))

	f.Fuzz(func(t *testing.T, payload []byte) {
		params, err := DecodeGetParams(payload)
		if err != nil {
			if _, ok := validation.As(err); !ok {
				t.Fatalf("DecodeGetParams(%q) error = %T, want *validation.Error", payload, err)
			}
			return
		}
		if params.Limit < 0 {
			t.Fatalf("DecodeGetParams(%q) limit = %d, want non-negative", payload, params.Limit)
		}
		for _, field := range params.Output.Fields {
			if !contains(ruleOutputFields, field) {
				t.Fatalf("DecodeGetParams(%q) accepted output field %q", payload, field)
			}
		}
	})
}
