package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sheetLookup(cells map[string]string) Lookup {
	return func(cellID string) (string, bool) {
		value, ok := cells[cellID]
		return value, ok
	}
}

func TestIsFormula(t *testing.T) {
	assert.True(t, IsFormula("=SUM(A1:A3)"))
	assert.True(t, IsFormula("=1+1"))
	assert.False(t, IsFormula("hello"))
	assert.False(t, IsFormula("42"))
	assert.False(t, IsFormula(""))
}

func TestEvaluateArithmetic(t *testing.T) {
	lookup := sheetLookup(map[string]string{
		"A1": "10",
		"A2": "4",
		"A3": "sales", // non-numeric reads as zero
	})

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"Addition", "=1+2", "3"},
		{"Precedence", "=2+3*4", "14"},
		{"Parens", "=(2+3)*4", "20"},
		{"Division", "=A1/A2", "2.5"},
		{"Modulo", "=A1%3", "1"},
		{"UnaryMinus", "=-A2+10", "6"},
		{"CellRefs", "=A1-A2", "6"},
		{"NonNumericRefIsZero", "=A3+5", "5"},
		{"MissingRefIsZero", "=Z99+1", "1"},
		{"Decimals", "=1.5*2", "3"},
		{"Whitespace", "= 1 + 2 ", "3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.src, lookup))
		})
	}
}

func TestEvaluateFunctions(t *testing.T) {
	lookup := sheetLookup(map[string]string{
		"A1": "10",
		"A2": "20",
		"A3": "30",
		"B1": "5",
		"B2": "note", // skipped by aggregates
		// A4, B3 absent
	})

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"Sum", "=SUM(A1:A3)", "60"},
		{"SumSkipsNonNumeric", "=SUM(A1:B3)", "65"},
		{"SumList", "=SUM(A1,A3)", "40"},
		{"SumMixedArgs", "=SUM(A1:A2, 5)", "35"},
		{"Average", "=AVERAGE(A1:A3)", "20"},
		{"AverageEmptyRange", "=AVERAGE(D1:D5)", "0"},
		{"Count", "=COUNT(A1:B3)", "5"},
		{"CountSkipsEmpty", "=COUNT(A1:A4)", "3"},
		{"Min", "=MIN(A1:B1)", "5"},
		{"Max", "=MAX(A1:A3)", "30"},
		{"MaxEmpty", "=MAX(D1:D2)", "0"},
		{"NestedInArithmetic", "=SUM(A1:A3)/COUNT(A1:A3)", "20"},
		{"LowercaseFunction", "=sum(a1:a3)", "60"},
		{"IfTrue", "=IF(A1>5, 1, 2)", "1"},
		{"IfFalse", "=IF(A1<5, 1, 2)", "2"},
		{"IfComparesRefs", "=IF(A2=A1*2, 100, 0)", "100"},
		{"IfNotEqual", "=IF(A1<>A2, 7, 8)", "7"},
		{"IfBranchesEvaluate", "=IF(B1>=5, SUM(A1:A2), 0)", "30"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.src, lookup))
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	lookup := sheetLookup(nil)

	for _, src := range []string{
		"=1/0",
		"=SUM(A1",
		"=UNKNOWN(A1)",
		"=1+",
		"=",
		"=1 2",
		"=A1:A3", // range outside a function
	} {
		t.Run(src, func(t *testing.T) {
			result := Evaluate(src, lookup)
			assert.Contains(t, result, "#ERROR:", "input %q", src)
		})
	}
}

func TestEvaluatePassthrough(t *testing.T) {
	lookup := sheetLookup(nil)
	assert.Equal(t, "plain text", Evaluate("plain text", lookup))
	assert.Equal(t, "123", Evaluate("123", lookup))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("not a formula"))
	assert.NoError(t, Validate("=SUM(A1:A3)+1"))
	assert.Error(t, Validate("=SUM(A1:A3"))
	assert.Error(t, Validate("="))
	assert.Error(t, Validate("=1+"))
}

func TestParseCellRef(t *testing.T) {
	ref, ok := ParseCellRef("A1")
	require.True(t, ok)
	assert.Equal(t, CellRef{Col: 0, Row: 0}, ref)

	ref, ok = ParseCellRef("c12")
	require.True(t, ok)
	assert.Equal(t, CellRef{Col: 2, Row: 11}, ref)

	ref, ok = ParseCellRef("AA3")
	require.True(t, ok)
	assert.Equal(t, CellRef{Col: 26, Row: 2}, ref)

	for _, bad := range []string{"", "A", "1", "A0", "1A", "A1B"} {
		_, ok := ParseCellRef(bad)
		assert.False(t, ok, "input %q", bad)
	}
}

func TestColToLetter(t *testing.T) {
	assert.Equal(t, "A", ColToLetter(0))
	assert.Equal(t, "Z", ColToLetter(25))
	assert.Equal(t, "AA", ColToLetter(26))
	assert.Equal(t, "AZ", ColToLetter(51))
	assert.Equal(t, "BA", ColToLetter(52))
}

func TestRefNameRoundTrip(t *testing.T) {
	for _, name := range []string{"A1", "Z9", "AA10", "BC123"} {
		ref, ok := ParseCellRef(name)
		require.True(t, ok)
		assert.Equal(t, name, ref.Name())
	}
}
