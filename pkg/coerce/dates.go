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

package coerce

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/datagate-io/datagate/pkg/errors"
)

// DatePredicate is a relative date constraint of the form "> 30d" or "< 2h".
// "> offset" requires the date to be older than the offset (strictly before
// now-offset); "< offset" requires it to be newer (strictly after now-offset).
type DatePredicate struct {
	raw    string
	older  bool
	offset time.Duration
}

var offsetPattern = regexp.MustCompile(`^(\d+)([dhms])$`)

// ParseDatePredicate parses an offset predicate. Offsets accept d/h/m/s units.
func ParseDatePredicate(s string) (*DatePredicate, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 || (fields[0] != ">" && fields[0] != "<") {
		return nil, errors.InvalidArgument("date predicate %q is not of the form \"> offset\" or \"< offset\"", s)
	}
	m := offsetPattern.FindStringSubmatch(fields[1])
	if m == nil {
		return nil, errors.InvalidArgument("date offset %q is not a duration like 30d or 2h", fields[1])
	}
	n, _ := strconv.Atoi(m[1])
	var unit time.Duration
	switch m[2] {
	case "d":
		unit = 24 * time.Hour
	case "h":
		unit = time.Hour
	case "m":
		unit = time.Minute
	case "s":
		unit = time.Second
	}
	return &DatePredicate{raw: s, older: fields[0] == ">", offset: time.Duration(n) * unit}, nil
}

func (p *DatePredicate) String() string {
	return p.raw
}

// Check evaluates the predicate against a coerced date value: a single
// YYYYMMDD date, a range A/to/B[/by/N] (both endpoints must pass) or a
// slash-separated list (every element must pass).
func (p *DatePredicate) Check(value string, now time.Time) error {
	cutoff := now.UTC().Add(-p.offset)
	for _, el := range dateElements(value) {
		t, err := time.Parse(DateFormat, el)
		if err != nil {
			return errors.InvalidArgument("date %q is not a valid YYYYMMDD date", el)
		}
		if p.older && !t.Before(cutoff) {
			return errors.InvalidArgument("date %s is more recent than %s allows", el, p.raw)
		}
		if !p.older && !t.After(cutoff) {
			return errors.InvalidArgument("date %s is older than %s allows", el, p.raw)
		}
	}
	return nil
}

// CheckDateRule evaluates a match rule on the date key. A list rule is
// disjunctive: the value passes if any predicate holds.
func CheckDateRule(rule interface{}, value string, now time.Time) error {
	predicates, err := datePredicates(rule)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range predicates {
		if err := p.Check(value, now); err == nil {
			return nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func datePredicates(rule interface{}) ([]*DatePredicate, error) {
	var raw []interface{}
	switch r := rule.(type) {
	case string:
		raw = []interface{}{r}
	case []interface{}:
		raw = r
	case []string:
		for _, s := range r {
			raw = append(raw, s)
		}
	default:
		return nil, errors.InvalidArgument("date rule %v is neither a predicate nor a list of predicates", rule)
	}
	if len(raw) == 0 {
		return nil, errors.InvalidArgument("empty date rule")
	}
	out := make([]*DatePredicate, 0, len(raw))
	for _, el := range raw {
		s, ok := el.(string)
		if !ok {
			return nil, errors.InvalidArgument("date predicate %v is not a string", el)
		}
		p, err := ParseDatePredicate(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// dateElements splits a coerced date value into the dates that must satisfy a
// predicate. Range steps (the /by/N suffix) do not participate.
func dateElements(value string) []string {
	if body, _, hasStep := strings.Cut(value, stepSeparator); hasStep {
		value = body
	}
	if from, to, ok := strings.Cut(value, rangeSeparator); ok {
		return []string{from, to}
	}
	return strings.Split(value, "/")
}
