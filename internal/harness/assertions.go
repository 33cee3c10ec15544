package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/keel/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Index    int
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertions[%d] %s failed\n", e.Index, e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// one message per failure.
func EvaluateAssertions(r *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRow:
			err = assertRow(r.State, a)
		case AssertRowCount:
			err = assertRowCount(r.State, a)
		case AssertLedgerCount:
			if r.LedgerEvents != *a.Count {
				err = &AssertionError{
					Expected: fmt.Sprintf("%d ledger events", *a.Count),
					Actual:   fmt.Sprintf("%d ledger events", r.LedgerEvents),
				}
			}
		default:
			err = &AssertionError{Expected: "a known assertion type", Actual: a.Type}
		}
		if err != nil {
			if ae, ok := err.(*AssertionError); ok {
				ae.Index, ae.Type = i, a.Type
			}
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func assertRow(state ir.Object, a Assertion) error {
	rows, err := selectRows(state, a.Table, a.Where)
	if err != nil {
		return err
	}
	if len(rows) != 1 {
		return &AssertionError{
			Expected: fmt.Sprintf("exactly one %s row where %v", a.Table, a.Where),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}
	row := rows[0]
	for col, want := range a.Expect {
		got, present := row[col]
		if want == nil {
			if present {
				return &AssertionError{
					Expected: fmt.Sprintf("%s.%s to be NULL", a.Table, col),
					Actual:   describe(got),
				}
			}
			continue
		}
		if !present || !equalValue(got, want) {
			actual := "NULL"
			if present {
				actual = describe(got)
			}
			return &AssertionError{
				Expected: fmt.Sprintf("%s.%s = %v", a.Table, col, want),
				Actual:   actual,
			}
		}
	}
	return nil
}

func assertRowCount(state ir.Object, a Assertion) error {
	rows, err := selectRows(state, a.Table, a.Where)
	if err != nil {
		return err
	}
	if len(rows) != *a.Count {
		return &AssertionError{
			Expected: fmt.Sprintf("%d %s rows where %v", *a.Count, a.Table, a.Where),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}
	return nil
}

// selectRows returns the rows of table matching every where column.
func selectRows(state ir.Object, table string, where map[string]any) ([]ir.Object, error) {
	v, ok := state[table]
	if !ok {
		return nil, &AssertionError{Expected: fmt.Sprintf("table %s", table), Actual: "no such projection table"}
	}
	var out []ir.Object
	for _, elem := range v.(ir.Array) {
		row := elem.(ir.Object)
		match := true
		for col, want := range where {
			got, present := row[col]
			if !present || !equalValue(got, want) {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out, nil
}

// equalValue compares a column value with a YAML scalar by canonical form.
func equalValue(got ir.Value, want any) bool {
	w, err := ir.FromGo(want)
	if err != nil {
		return false
	}
	a, err := ir.MarshalCanonical(got)
	if err != nil {
		return false
	}
	b, err := ir.MarshalCanonical(w)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

func describe(v ir.Value) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
