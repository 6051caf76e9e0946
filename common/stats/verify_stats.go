package stats

import (
	"fmt"
	"sort"
	"strings"
	"testing"
)

// RuleChecker compares a rendered stat value (nil when the stat is absent)
// with an expected value.
type RuleChecker struct {
	name  string
	check func(got, want interface{}) bool
}

// Rule pairs a checker with the value it expects.
type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

func bothPresent(got, want interface{}) bool {
	return got != nil && want != nil
}

// Int64EqTest expects an int64 stat equal to an int Value.
var Int64EqTest = RuleChecker{"Int64EqTest", func(got, want interface{}) bool {
	if !bothPresent(got, want) {
		return got == nil && want == nil
	}
	g, ok := got.(int64)
	return ok && g == int64(want.(int))
}}

// Int64GTETest expects an int64 stat of at least an int Value.
var Int64GTETest = RuleChecker{"Int64GTETest", func(got, want interface{}) bool {
	if !bothPresent(got, want) {
		return false
	}
	g, ok := got.(int64)
	return ok && g >= int64(want.(int))
}}

// FloatEqTest expects a float64 stat equal to a float64 Value.
var FloatEqTest = RuleChecker{"FloatEqTest", func(got, want interface{}) bool {
	if !bothPresent(got, want) {
		return got == nil && want == nil
	}
	g, ok := got.(float64)
	return ok && g == want.(float64)
}}

// DoesNotExistTest expects the stat to be absent, Value is ignored.
var DoesNotExistTest = RuleChecker{"DoesNotExistTest", func(got, _ interface{}) bool {
	return got == nil
}}

// VerifyStats checks every rule against the finagle rendering of registry
// and reports all failing keys at once, followed by the full registry.
func VerifyStats(tag string, registry StatsRegistry, t testing.TB, rules map[string]Rule) {
	t.Helper()
	fr, ok := registry.(*finagleStatsRegistry)
	if !ok {
		t.Errorf("%s: VerifyStats needs a finagle registry, got %T", tag, registry)
		return
	}
	rendered := fr.MarshalAll()

	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var failures []string
	for _, key := range keys {
		rule := rules[key]
		got := rendered[key]
		if rule.Checker.check(got, rule.Value) {
			continue
		}
		if rule.Checker.name == DoesNotExistTest.name {
			failures = append(failures, fmt.Sprintf("%s: found %v, expected no entry", key, got))
		} else {
			failures = append(failures, fmt.Sprintf("%s: got %v, expected to pass %s with %v", key, got, rule.Checker.name, rule.Value))
		}
	}
	if len(failures) > 0 {
		pretty, _ := fr.MarshalJSONPretty()
		t.Errorf("%s: stats registry error:\n%s\nregistry:\n%s", tag, strings.Join(failures, "\n"), pretty)
	}
}
