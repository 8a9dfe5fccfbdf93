package validation

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/matt-riley/lldrules/internal/core"
)

const (
	secondsPerMinute = 60
	secondsPerHour   = 60 * secondsPerMinute
	secondsPerDay    = 24 * secondsPerHour
	secondsPerWeek   = 7 * secondsPerDay
	secondsPerYear   = 365 * secondsPerDay

	// MaxTimeUnit is the longest accepted retention period, 25 years.
	MaxTimeUnit = 25 * secondsPerYear
)

var (
	timeUnitPattern  = regexp.MustCompile(`^([0-9]+)([smhdw]?)$`)
	userMacroPattern = regexp.MustCompile(`^\{\$[A-Z0-9_.]+(:.*)?\}$`)

	errTimeUnitTooLarge = errors.New("a number is too large")
	errNotTimeUnit      = errors.New("a time unit is expected")
)

// ParseTimeUnit converts a time unit such as "30", "5m" or "1w" to seconds.
func ParseTimeUnit(s string) (int64, error) {
	match := timeUnitPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, errNotTimeUnit
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, errTimeUnitTooLarge
	}

	multiplier := int64(1)
	switch match[2] {
	case "m":
		multiplier = secondsPerMinute
	case "h":
		multiplier = secondsPerHour
	case "d":
		multiplier = secondsPerDay
	case "w":
		multiplier = secondsPerWeek
	}
	if n > math.MaxInt32/multiplier {
		return 0, errTimeUnitTooLarge
	}
	return n * multiplier, nil
}

// IsUserMacro reports whether s is a user macro such as {$DELAY}.
func IsUserMacro(s string) bool {
	return userMacroPattern.MatchString(s)
}

// TimeUnit validates a time unit string, optionally bounded by In.
type TimeUnit struct {
	NotEmpty       bool
	AllowUserMacro bool
	MaxLen         int
	In             []Range
}

func (r TimeUnit) validate(value any, at location) (any, error) {
	if n, ok := value.(json.Number); ok {
		value = n.String()
	}
	s, err := checkString(value, r.NotEmpty, at)
	if err != nil {
		return nil, err
	}
	if err := checkLength(s, r.MaxLen, at); err != nil {
		return nil, err
	}
	if s == "" || (r.AllowUserMacro && IsUserMacro(s)) {
		return s, nil
	}

	seconds, err := ParseTimeUnit(s)
	if err != nil {
		return nil, Errorf(KindShape, at.path, "%s", err.Error())
	}
	if len(r.In) > 0 && !inRanges(r.In, seconds) {
		return nil, Errorf(KindEnumMembership, at.path, "%s", rangesReason(r.In))
	}
	return s, nil
}

// Delay validates an update interval with optional ";"-separated flexible
// ("50s/1-5,09:00-18:00") or scheduling ("wd1-5h9") custom intervals.
type Delay struct {
	AllowUserMacro bool
	MaxLen         int
}

var (
	flexibleIntervalPattern   = regexp.MustCompile(`^([^/]+)/([1-7])(?:-([1-7]))?,([0-9]{1,2}):([0-9]{2})-([0-9]{1,2}):([0-9]{2})$`)
	schedulingIntervalPattern = regexp.MustCompile(`^(?:(?:md|wd)[0-9,/-]+)?(?:h[0-9,/-]+)?(?:m[0-9,/-]+)?(?:s[0-9,/-]+)?$`)
)

type flexibleInterval struct {
	update   int64
	macro    bool
	dayFrom  int64
	dayTo    int64
	timeFrom int64
	timeTo   int64
	period   string
	raw      string
}

func (r Delay) validate(value any, at location) (any, error) {
	if n, ok := value.(json.Number); ok {
		value = n.String()
	}
	s, err := checkString(value, true, at)
	if err != nil {
		return nil, err
	}
	if err := checkLength(s, r.MaxLen, at); err != nil {
		return nil, err
	}

	parts := strings.Split(s, ";")
	update := parts[0]
	customs := parts[1:]

	macroDelay := r.AllowUserMacro && IsUserMacro(update)
	var delay int64
	if !macroDelay {
		delay, err = ParseTimeUnit(update)
		if err != nil {
			if len(customs) == 0 {
				return nil, Errorf(KindShape, at.path, "a time unit is expected")
			}
			return nil, Errorf(KindShape, at.path, "incorrect syntax near \"%s\"", s)
		}
	}

	var flexible []flexibleInterval
	scheduling := false
	for i, custom := range customs {
		offset := len(strings.Join(parts[:i+1], ";")) + 1
		if interval, ok := r.parseFlexible(custom); ok {
			flexible = append(flexible, interval)
			continue
		}
		if custom != "" && schedulingIntervalPattern.MatchString(custom) {
			scheduling = true
			continue
		}
		return nil, Errorf(KindShape, at.path, "incorrect syntax near \"%s\"", s[offset:])
	}

	if !macroDelay {
		if delay == 0 && len(customs) == 0 {
			return nil, Errorf(KindCrossFieldConstraint, at.path, "cannot be equal to zero without custom intervals")
		}
		if delay > secondsPerDay {
			return nil, Errorf(KindEnumMembership, at.path, "value must be one of 0-%d", secondsPerDay)
		}
	}

	if scheduling || len(flexible) == 0 {
		return s, nil
	}

	active := false
	for _, interval := range flexible {
		if interval.macro {
			active = true
			continue
		}
		if interval.update == 0 {
			continue
		}
		active = true

		length := interval.timeTo - interval.timeFrom
		if interval.timeFrom == 0 && interval.timeTo == secondsPerDay && interval.dayTo > interval.dayFrom {
			length = (interval.dayTo-interval.dayFrom)*secondsPerDay + secondsPerDay
		}
		if interval.update > length {
			return nil, Errorf(KindCrossFieldConstraint, at.path,
				"update interval \"%s\" is longer than period \"%s\"", interval.raw, interval.period)
		}
	}

	if !macroDelay && delay == 0 && !active {
		return nil, Errorf(KindCrossFieldConstraint, at.path, "must have at least one interval greater than 0")
	}
	return s, nil
}

func (r Delay) parseFlexible(custom string) (flexibleInterval, bool) {
	match := flexibleIntervalPattern.FindStringSubmatch(custom)
	if match == nil {
		return flexibleInterval{}, false
	}

	interval := flexibleInterval{raw: match[1], period: custom[len(match[1])+1:]}
	if r.AllowUserMacro && IsUserMacro(match[1]) {
		interval.macro = true
	} else {
		update, err := ParseTimeUnit(match[1])
		if err != nil || update > secondsPerDay {
			return flexibleInterval{}, false
		}
		interval.update = update
	}

	interval.dayFrom, _ = strconv.ParseInt(match[2], 10, 64)
	interval.dayTo = interval.dayFrom
	if match[3] != "" {
		interval.dayTo, _ = strconv.ParseInt(match[3], 10, 64)
	}
	fromHour, _ := strconv.ParseInt(match[4], 10, 64)
	fromMinute, _ := strconv.ParseInt(match[5], 10, 64)
	toHour, _ := strconv.ParseInt(match[6], 10, 64)
	toMinute, _ := strconv.ParseInt(match[7], 10, 64)
	interval.timeFrom = fromHour*secondsPerHour + fromMinute*secondsPerMinute
	interval.timeTo = toHour*secondsPerHour + toMinute*secondsPerMinute

	if interval.dayFrom > interval.dayTo || fromMinute > 59 || toMinute > 59 ||
		interval.timeTo > secondsPerDay || interval.timeFrom >= interval.timeTo {
		return flexibleInterval{}, false
	}
	return interval, true
}

// CondFormula validates a custom filter expression.
type CondFormula struct {
	MaxLen int
}

func (r CondFormula) validate(value any, at location) (any, error) {
	s, err := checkString(value, true, at)
	if err != nil {
		return nil, err
	}
	if err := checkLength(s, r.MaxLen, at); err != nil {
		return nil, err
	}
	if _, err := core.ParseFormula(s); err != nil {
		return nil, Errorf(KindShape, at.path, "%s", err.Error())
	}
	return s, nil
}
