package formula

import "strings"

// CellRef is a zero-based (column, row) position. "A1" is {0, 0}.
type CellRef struct {
	Col int
	Row int
}

// ParseCellRef parses an A1-style reference. The second return is false
// when the input is not a valid reference.
func ParseCellRef(ref string) (CellRef, bool) {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	i := 0
	col := 0
	for i < len(ref) && ref[i] >= 'A' && ref[i] <= 'Z' {
		col = col*26 + int(ref[i]-'A') + 1
		i++
	}
	if i == 0 || i == len(ref) {
		return CellRef{}, false
	}
	row := 0
	for ; i < len(ref); i++ {
		if ref[i] < '0' || ref[i] > '9' {
			return CellRef{}, false
		}
		row = row*10 + int(ref[i]-'0')
	}
	if row == 0 {
		return CellRef{}, false
	}
	return CellRef{Col: col - 1, Row: row - 1}, true
}

// Name renders the reference back into A1 form.
func (r CellRef) Name() string {
	return ColToLetter(r.Col) + itoa(r.Row+1)
}

// ColToLetter converts a zero-based column index to its letter label
// (0 is "A", 25 is "Z", 26 is "AA").
func ColToLetter(col int) string {
	letter := ""
	for col >= 0 {
		letter = string(rune('A'+col%26)) + letter
		col = col/26 - 1
	}
	return letter
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
