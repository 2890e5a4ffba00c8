/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package coerce normalizes request payload values before data-source
// matching. Each known key has a coercer that canonicalizes scalar values;
// lists and ranges are coerced element-wise. Coercion is idempotent: feeding
// a coerced value back through yields the same value.
package coerce

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/api"
	"github.com/datagate-io/datagate/pkg/errors"
)

const (
	// DateFormat is the canonical wire format for dates.
	DateFormat = "20060102"

	rangeSeparator = "/to/"
	stepSeparator  = "/by/"
)

// Options tune coercer behavior per data-source configuration.
type Options struct {
	// AllowZeroNumber permits number=0; rejected by default.
	AllowZeroNumber bool
}

type elementCoercer func(v interface{}) (string, error)

// Coercer normalizes payloads. The clock anchors relative date resolution.
type Coercer struct {
	clk      clock.Clock
	coercers map[string]elementCoercer
}

func New(clk clock.Clock, opts Options) *Coercer {
	c := &Coercer{clk: clk}
	c.coercers = map[string]elementCoercer{
		"date":       c.coerceDate,
		"time":       coerceTime,
		"step":       coerceStep,
		"number":     numberCoercer(opts.AllowZeroNumber),
		"param":      coerceParam,
		"expver":     coerceExpver,
		"model":      coerceLower,
		"experiment": coerceLower,
		"activity":   coerceLower,
	}
	return c
}

// Payload returns a copy of the payload with every known key canonicalized
// and every unknown key stringified
func (c *Coercer) Payload(p api.Payload) (api.Payload, error) {
	out := api.Payload{}
	for key, value := range p {
		coerced, err := c.Value(key, value)
		if err != nil {
			return nil, fmt.Errorf("coercing key %q, %w", key, err)
		}
		out[key] = coerced
	}
	return out, nil
}

// Value canonicalizes a single payload entry. Slash-separated strings and
// native arrays are treated as lists; A/to/B[/by/N] strings as ranges.
func (c *Coercer) Value(key string, value interface{}) (string, error) {
	coercer, ok := c.coercers[key]
	if !ok {
		coercer = stringify
	}
	if s, ok := value.(string); ok && strings.Contains(s, rangeSeparator) {
		return coerceRange(s, coercer)
	}
	elements, err := listElements(value)
	if err != nil {
		return "", err
	}
	coerced := make([]string, 0, len(elements))
	seen := map[string]struct{}{}
	for _, el := range elements {
		cv, err := coercer(el)
		if err != nil {
			return "", err
		}
		if _, dup := seen[cv]; dup {
			return "", errors.InvalidArgument("duplicate value %q in list for key %q", cv, key)
		}
		seen[cv] = struct{}{}
		coerced = append(coerced, cv)
	}
	return strings.Join(coerced, "/"), nil
}

// coerceRange canonicalizes A/to/B[/by/N], coercing both endpoints and
// keeping the step suffix verbatim after validation
func coerceRange(s string, coercer elementCoercer) (string, error) {
	body, step, hasStep := strings.Cut(s, stepSeparator)
	from, to, ok := strings.Cut(body, rangeSeparator)
	if !ok || strings.Contains(to, rangeSeparator) {
		return "", errors.InvalidArgument("malformed range %q", s)
	}
	cfrom, err := coercer(from)
	if err != nil {
		return "", err
	}
	cto, err := coercer(to)
	if err != nil {
		return "", err
	}
	out := cfrom + rangeSeparator + cto
	if hasStep {
		if _, err := strconv.Atoi(step); err != nil || step[0] == '-' {
			return "", errors.InvalidArgument("range step %q is not a positive integer", step)
		}
		out += stepSeparator + step
	}
	return out, nil
}

func listElements(value interface{}) ([]interface{}, error) {
	switch v := value.(type) {
	case []interface{}:
		if len(v) == 0 {
			return nil, errors.InvalidArgument("empty list")
		}
		return v, nil
	case []string:
		return listElements(lo.ToAnySlice(v))
	case string:
		if strings.Contains(v, "/") {
			parts := strings.Split(v, "/")
			out := make([]interface{}, 0, len(parts))
			for _, p := range parts {
				out = append(out, p)
			}
			return out, nil
		}
		return []interface{}{v}, nil
	default:
		return []interface{}{value}, nil
	}
}

// asInt widens the numeric forms JSON decoding produces
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func stringify(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case bool:
		return strconv.FormatBool(s), nil
	default:
		if n, ok := asInt(v); ok {
			return strconv.Itoa(n), nil
		}
		if f, ok := v.(float64); ok {
			return strconv.FormatFloat(f, 'g', -1, 64), nil
		}
		return "", errors.InvalidArgument("cannot stringify value %v", v)
	}
}

var relativeDatePattern = regexp.MustCompile(`^-\d+$|^0$`)

// coerceDate resolves relative day offsets against the clock and validates
// absolute dates into the canonical YYYYMMDD form
func (c *Coercer) coerceDate(v interface{}) (string, error) {
	if n, ok := asInt(v); ok {
		if n <= 0 {
			return c.clk.Now().UTC().AddDate(0, 0, n).Format(DateFormat), nil
		}
		return parseAbsoluteDate(strconv.Itoa(n))
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.InvalidArgument("date value %v is neither an integer nor a string", v)
	}
	if relativeDatePattern.MatchString(s) {
		n, _ := strconv.Atoi(s)
		return c.clk.Now().UTC().AddDate(0, 0, n).Format(DateFormat), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Format(DateFormat), nil
	}
	return parseAbsoluteDate(s)
}

func parseAbsoluteDate(s string) (string, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return "", errors.InvalidArgument("date %q is not a valid YYYYMMDD date", s)
	}
	return t.Format(DateFormat), nil
}

// coerceTime canonicalizes to zero-padded HHMM; sub-hour times are rejected
func coerceTime(v interface{}) (string, error) {
	if n, ok := asInt(v); ok {
		if n < 0 || n > 23 {
			return "", errors.InvalidArgument("time %d is out of range 0-23", n)
		}
		return fmt.Sprintf("%02d00", n), nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.InvalidArgument("time value %v is neither an integer nor a string", v)
	}
	if h, m, ok := strings.Cut(s, ":"); ok {
		hour, err := strconv.Atoi(h)
		if err != nil || hour < 0 || hour > 23 {
			return "", errors.InvalidArgument("time %q has an invalid hour", s)
		}
		if m != "00" && m != "0" {
			return "", errors.InvalidArgument("time %q has a non-zero minute", s)
		}
		return fmt.Sprintf("%02d00", hour), nil
	}
	switch len(s) {
	case 1, 2:
		hour, err := strconv.Atoi(s)
		if err != nil || hour < 0 || hour > 23 {
			return "", errors.InvalidArgument("time %q is out of range 0-23", s)
		}
		return fmt.Sprintf("%02d00", hour), nil
	case 4:
		hour, err := strconv.Atoi(s[:2])
		if err != nil || hour < 0 || hour > 23 {
			return "", errors.InvalidArgument("time %q has an invalid hour", s)
		}
		if s[2:] != "00" {
			return "", errors.InvalidArgument("time %q has a non-zero minute", s)
		}
		return s, nil
	default:
		return "", errors.InvalidArgument("time %q is not of the form HH, HHMM or HH:MM", s)
	}
}

var stepDurationPattern = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// coerceStep accepts a non-negative integer, a suffixed duration, or a
// dash-separated range of either form
func coerceStep(v interface{}) (string, error) {
	if n, ok := asInt(v); ok {
		if n < 0 {
			return "", errors.InvalidArgument("step %d is negative", n)
		}
		return strconv.Itoa(n), nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.InvalidArgument("step value %v is neither an integer nor a string", v)
	}
	if from, to, ok := strings.Cut(s, "-"); ok {
		if err := validateStepAtom(from); err != nil {
			return "", err
		}
		if err := validateStepAtom(to); err != nil {
			return "", err
		}
		return s, nil
	}
	if err := validateStepAtom(s); err != nil {
		return "", err
	}
	return s, nil
}

func validateStepAtom(s string) error {
	if s == "" {
		return errors.InvalidArgument("empty step")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return errors.InvalidArgument("step %q is negative", s)
		}
		return nil
	}
	if !stepDurationPattern.MatchString(s) {
		return errors.InvalidArgument("step %q is neither an integer nor a duration", s)
	}
	return nil
}

func numberCoercer(allowZero bool) elementCoercer {
	return func(v interface{}) (string, error) {
		n, ok := asInt(v)
		if !ok {
			s, isStr := v.(string)
			if !isStr {
				return "", errors.InvalidArgument("number value %v is not an integer", v)
			}
			parsed, err := strconv.Atoi(s)
			if err != nil {
				return "", errors.InvalidArgument("number %q is not an integer", s)
			}
			n = parsed
		}
		if n < 0 || (n == 0 && !allowZero) {
			return "", errors.InvalidArgument("number %d is not positive", n)
		}
		return strconv.Itoa(n), nil
	}
}

// coerceParam stringifies losslessly; anything but integers and strings fails
func coerceParam(v interface{}) (string, error) {
	if n, ok := asInt(v); ok {
		return strconv.Itoa(n), nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", errors.InvalidArgument("param value %v is neither an integer nor a string", v)
}

var expverDigits = regexp.MustCompile(`^\d+$`)

// coerceExpver zero-pads numeric experiment versions to four characters;
// four-character strings pass verbatim
func coerceExpver(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		if expverDigits.MatchString(s) {
			n, err := strconv.Atoi(s)
			if err != nil || n > 9999 {
				return "", errors.InvalidArgument("expver %q is out of range 0-9999", s)
			}
			return fmt.Sprintf("%04d", n), nil
		}
		if len(s) != 4 {
			return "", errors.InvalidArgument("expver %q is not 4 characters", s)
		}
		return s, nil
	}
	n, ok := asInt(v)
	if !ok {
		return "", errors.InvalidArgument("expver value %v is neither an integer nor a string", v)
	}
	if n < 0 || n > 9999 {
		return "", errors.InvalidArgument("expver %d is out of range 0-9999", n)
	}
	return fmt.Sprintf("%04d", n), nil
}

func coerceLower(v interface{}) (string, error) {
	s, err := stringify(v)
	if err != nil {
		return "", err
	}
	return strings.ToLower(s), nil
}
