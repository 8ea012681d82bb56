package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned by CheckAssertions when an invariant does not
// hold. It lists every failed assertion.
type AssertionError struct {
	Scenario string
	Failed   []AssertionResult
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "scenario %s: %d assertion(s) failed\n", e.Scenario, len(e.Failed))
	for _, a := range e.Failed {
		fmt.Fprintf(&buf, "  %s %s\n", a.Type, a.Target)
		fmt.Fprintf(&buf, "    Expected: %d\n", a.Expected)
		fmt.Fprintf(&buf, "    Actual: %d\n", a.Actual)
	}
	return buf.String()
}

// EvaluateAssertions checks each assertion against the final state held in
// r. Results are returned in assertion order.
func EvaluateAssertions(r *Result, assertions []Assertion) []AssertionResult {
	out := make([]AssertionResult, 0, len(assertions))
	for _, a := range assertions {
		out = append(out, evaluate(r, a))
	}
	return out
}

func evaluate(r *Result, a Assertion) AssertionResult {
	res := AssertionResult{Type: a.Type, Expected: a.Value}

	switch a.Type {
	case AssertEquals:
		res.Target = a.Var
		res.Actual = r.Vars[a.Var]
		res.Pass = res.Actual == a.Value

	case AssertSum:
		res.Target = strings.Join(a.Vars, "+")
		for _, name := range a.Vars {
			res.Actual += r.Vars[name]
		}
		res.Pass = res.Actual == a.Value

	case AssertMinObserved:
		// The observed minimum may not drop below the bound.
		res.Target = a.Var
		res.Actual = r.MinObserved[a.Var]
		res.Pass = res.Actual >= a.Value

	case AssertChannelLen:
		res.Target = a.Channel
		res.Actual = r.Channels[a.Channel]
		res.Pass = res.Actual == a.Value

	default:
		res.Target = "unknown assertion type"
	}
	return res
}

// CheckAssertions returns an *AssertionError if any assertion in r failed.
func CheckAssertions(r *Result) error {
	var failed []AssertionResult
	for _, a := range r.Assertions {
		if !a.Pass {
			failed = append(failed, a)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &AssertionError{Scenario: r.Name, Failed: failed}
}
