// Package formula evaluates spreadsheet formulas over a cell lookup.
// It supports the arithmetic operators + - * / %, parentheses,
// comparisons, A1-style references and ranges, and the functions
// SUM, AVERAGE, COUNT, MIN, MAX and IF.
package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// IsFormula reports whether a raw cell value is a formula.
func IsFormula(value string) bool {
	return strings.HasPrefix(value, "=")
}

// Evaluate computes a formula's display value. Non-formula input is
// returned unchanged. Evaluation failures render as "#ERROR: ..." so a
// broken formula degrades to a visible marker instead of propagating.
func Evaluate(src string, lookup Lookup) string {
	if !IsFormula(src) {
		return src
	}
	result, err := EvaluateNumber(src, lookup)
	if err != nil {
		return fmt.Sprintf("#ERROR: %s", err)
	}
	return strconv.FormatFloat(result, 'f', -1, 64)
}

// EvaluateNumber computes a formula's numeric result.
func EvaluateNumber(src string, lookup Lookup) (float64, error) {
	expr := strings.TrimSpace(strings.TrimPrefix(src, "="))
	if expr == "" {
		return 0, fmt.Errorf("empty formula")
	}
	tokens, err := lex(expr)
	if err != nil {
		return 0, err
	}
	tree, err := parse(tokens)
	if err != nil {
		return 0, err
	}
	return tree.eval(lookup)
}

// Validate checks a formula's syntax without evaluating it. Non-formula
// input is always valid.
func Validate(src string) error {
	if !IsFormula(src) {
		return nil
	}
	expr := strings.TrimSpace(strings.TrimPrefix(src, "="))
	if expr == "" {
		return fmt.Errorf("empty formula")
	}
	tokens, err := lex(expr)
	if err != nil {
		return err
	}
	_, err = parse(tokens)
	return err
}
