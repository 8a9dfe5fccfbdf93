package validation

import (
	"testing"
)

func TestParseTimeUnit(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{input: "0", want: 0},
		{input: "30", want: 30},
		{input: "30s", want: 30},
		{input: "5m", want: 300},
		{input: "2h", want: 7200},
		{input: "30d", want: 2592000},
		{input: "1w", want: 604800},
		{input: "", wantErr: true},
		{input: "1y", wantErr: true},
		{input: "-1", wantErr: true},
		{input: "99999999999w", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTimeUnit(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTimeUnit(%q) = %d, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeUnit(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("ParseTimeUnit(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestDelay(t *testing.T) {
	tests := []struct {
		name  string
		delay string
		want  string
	}{
		{name: "plain", delay: "1h"},
		{name: "seconds", delay: "30"},
		{name: "user macro", delay: "{$LLD.DELAY}"},
		{name: "zero with flexible", delay: "0;50s/1-5,09:00-18:00"},
		{name: "scheduling", delay: "1h;wd1-5h9"},
		{name: "zero without intervals", delay: "0", want: "cannot be equal to zero without custom intervals"},
		{name: "too long", delay: "86401", want: "value must be one of 0-86400"},
		{name: "not a time unit", delay: "abc", want: "a time unit is expected"},
		{name: "all intervals zero", delay: "0;0/1-7,00:00-24:00", want: "must have at least one interval greater than 0"},
		{name: "interval longer than period", delay: "1h;2h/1,00:00-01:00", want: `update interval "2h" is longer than period "1,00:00-01:00"`},
		{name: "bad custom interval", delay: "1h;xyz", want: `incorrect syntax near "xyz"`},
		{name: "empty", delay: "", want: "cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(Delay{AllowUserMacro: true, MaxLen: 1024}, tt.delay)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate(%q) error = %v", tt.delay, err)
				}
				return
			}
			verr, ok := As(err)
			if !ok {
				t.Fatalf("Validate(%q) error = %v, want *Error", tt.delay, err)
			}
			if verr.Reason != tt.want {
				t.Fatalf("Validate(%q) reason = %q, want %q", tt.delay, verr.Reason, tt.want)
			}
		})
	}
}

func TestTimeUnitRange(t *testing.T) {
	rule := TimeUnit{NotEmpty: true, AllowUserMacro: true, In: []Range{{Min: 0, Max: 0}, {Min: secondsPerHour, Max: MaxTimeUnit}}}

	for _, value := range []string{"0", "1h", "30d", "{$LIFETIME}", "25w"} {
		if _, err := Validate(rule, value); err != nil {
			t.Fatalf("Validate(%q) error = %v", value, err)
		}
	}

	_, err := Validate(rule, "1m")
	if err == nil {
		t.Fatal("Validate(1m) error = nil, want range error")
	}
	if got, want := err.Error(), `Invalid parameter "/": value must be one of 0, 3600-788400000.`; got != want {
		t.Fatalf("Validate(1m) error = %q, want %q", got, want)
	}
}

func FuzzParseTimeUnit(f *testing.F) {
	for _, seed := range []string{"0", "1h", "30d", "2147483647", "2147483648", "1w", "x"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, input string) {
		seconds, err := ParseTimeUnit(input)
		if err == nil && (seconds < 0 || seconds > 2147483647) {
			t.Fatalf("ParseTimeUnit(%q) = %d, out of int32 range", input, seconds)
		}
	})
}
