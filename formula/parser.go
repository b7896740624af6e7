package formula

import (
	"fmt"
	"math"
	"strconv"
)

// Lookup resolves a cell reference to its raw stored value. The second
// return is false when the cell is empty or absent.
type Lookup func(cellID string) (string, bool)

// node is an evaluable expression tree node.
type node interface {
	eval(lookup Lookup) (float64, error)
}

type numberNode struct{ value float64 }

func (n numberNode) eval(Lookup) (float64, error) { return n.value, nil }

type refNode struct{ cellID string }

// Empty and non-numeric cells read as zero, matching how a blank cell
// participates in arithmetic.
func (n refNode) eval(lookup Lookup) (float64, error) {
	raw, ok := lookup(n.cellID)
	if !ok {
		return 0, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, nil
	}
	return value, nil
}

type unaryNode struct {
	op      tokenKind
	operand node
}

func (n unaryNode) eval(lookup Lookup) (float64, error) {
	value, err := n.operand.eval(lookup)
	if err != nil {
		return 0, err
	}
	if n.op == tokMinus {
		return -value, nil
	}
	return value, nil
}

type binaryNode struct {
	op          tokenKind
	left, right node
}

func (n binaryNode) eval(lookup Lookup) (float64, error) {
	left, err := n.left.eval(lookup)
	if err != nil {
		return 0, err
	}
	right, err := n.right.eval(lookup)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case tokPlus:
		return left + right, nil
	case tokMinus:
		return left - right, nil
	case tokStar:
		return left * right, nil
	case tokSlash:
		if right == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return left / right, nil
	case tokPercent:
		if right == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return math.Mod(left, right), nil
	}
	return 0, fmt.Errorf("unknown operator")
}

type compareNode struct {
	op          tokenKind
	left, right node
}

// Comparisons yield 1 or 0 so they compose with arithmetic, the same
// way IF conditions coerce.
func (n compareNode) eval(lookup Lookup) (float64, error) {
	left, err := n.left.eval(lookup)
	if err != nil {
		return 0, err
	}
	right, err := n.right.eval(lookup)
	if err != nil {
		return 0, err
	}
	truth := false
	switch n.op {
	case tokLess:
		truth = left < right
	case tokLessEq:
		truth = left <= right
	case tokGreater:
		truth = left > right
	case tokGreaterEq:
		truth = left >= right
	case tokEq:
		truth = left == right
	case tokNotEq:
		truth = left != right
	}
	if truth {
		return 1, nil
	}
	return 0, nil
}

type ifNode struct {
	condition, whenTrue, whenFalse node
}

func (n ifNode) eval(lookup Lookup) (float64, error) {
	condition, err := n.condition.eval(lookup)
	if err != nil {
		return 0, err
	}
	if condition != 0 {
		return n.whenTrue.eval(lookup)
	}
	return n.whenFalse.eval(lookup)
}

// aggregateNode is SUM, AVERAGE, COUNT, MIN or MAX over a mix of
// ranges, references and expressions.
type aggregateNode struct {
	name string
	args []aggregateArg
}

// aggregateArg is either a range (start/end set) or a single expression.
type aggregateArg struct {
	start, end CellRef
	isRange    bool
	expr       node
}

func (n aggregateNode) eval(lookup Lookup) (float64, error) {
	var values []float64
	for _, arg := range n.args {
		if arg.isRange {
			values = append(values, rangeValues(arg.start, arg.end, lookup)...)
			continue
		}
		// Bare references contribute only when the cell holds a
		// number; empty cells are skipped, not counted as zero.
		if ref, ok := arg.expr.(refNode); ok {
			raw, present := lookup(ref.cellID)
			if !present {
				continue
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			values = append(values, value)
			continue
		}
		value, err := arg.expr.eval(lookup)
		if err != nil {
			return 0, err
		}
		values = append(values, value)
	}

	switch n.name {
	case "SUM":
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case "COUNT":
		return float64(len(values)), nil
	case "AVERAGE":
		if len(values) == 0 {
			return 0, nil
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case "MIN":
		if len(values) == 0 {
			return 0, nil
		}
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	case "MAX":
		if len(values) == 0 {
			return 0, nil
		}
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	}
	return 0, fmt.Errorf("unknown function %s", n.name)
}

// rangeValues walks a rectangular range and collects the numeric cells.
func rangeValues(start, end CellRef, lookup Lookup) []float64 {
	var values []float64
	for row := start.Row; row <= end.Row; row++ {
		for col := start.Col; col <= end.Col; col++ {
			raw, ok := lookup(CellRef{Col: col, Row: row}.Name())
			if !ok {
				continue
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			values = append(values, value)
		}
	}
	return values
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token  { return p.tokens[p.pos] }
func (p *parser) next() token  { t := p.tokens[p.pos]; p.pos++; return t }
func (p *parser) accept(kind tokenKind) bool {
	if p.tokens[p.pos].kind == kind {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, what string) error {
	if !p.accept(kind) {
		t := p.peek()
		return fmt.Errorf("expected %s at position %d, got %q", what, t.pos, t.text)
	}
	return nil
}

// parse builds the tree for a full expression and requires all input
// to be consumed.
func parse(tokens []token) (node, error) {
	p := &parser{tokens: tokens}
	n, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		t := p.peek()
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokLess, tokLessEq, tokGreater, tokGreaterEq, tokEq, tokNotEq:
		op := p.next().kind
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokPlus, tokMinus:
			op := p.next().kind
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}
			left = binaryNode{op: op, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokStar, tokSlash, tokPercent:
			op := p.next().kind
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = binaryNode{op: op, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokMinus || p.peek().kind == tokPlus {
		op := p.next().kind
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		value, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return numberNode{value: value}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		p.next()
		if _, ok := ParseCellRef(t.text); ok {
			return refNode{cellID: t.text}, nil
		}
		return p.parseCall(t.text)
	}
	return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
}

func (p *parser) parseCall(name string) (node, error) {
	if err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}
	switch name {
	case "IF":
		condition, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokComma, ","); err != nil {
			return nil, err
		}
		whenTrue, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokComma, ","); err != nil {
			return nil, err
		}
		whenFalse, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return ifNode{condition: condition, whenTrue: whenTrue, whenFalse: whenFalse}, nil
	case "SUM", "AVERAGE", "COUNT", "MIN", "MAX":
		var args []aggregateArg
		for {
			arg, err := p.parseAggregateArg()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.accept(tokComma) {
				continue
			}
			break
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return aggregateNode{name: name, args: args}, nil
	}
	return nil, fmt.Errorf("unknown function %s", name)
}

// parseAggregateArg accepts a range (A1:B3), a reference or any
// expression as a function argument.
func (p *parser) parseAggregateArg() (aggregateArg, error) {
	if p.peek().kind == tokIdent {
		if start, ok := ParseCellRef(p.peek().text); ok {
			// Could be a lone ref, a range, or a ref inside a
			// larger expression. Peek past the ref.
			if p.tokens[p.pos+1].kind == tokColon {
				p.next()
				p.next()
				endTok := p.peek()
				end, ok := ParseCellRef(endTok.text)
				if endTok.kind != tokIdent || !ok {
					return aggregateArg{}, fmt.Errorf("invalid range end %q at position %d", endTok.text, endTok.pos)
				}
				p.next()
				if end.Row < start.Row || end.Col < start.Col {
					start, end = normalizeRange(start, end)
				}
				return aggregateArg{start: start, end: end, isRange: true}, nil
			}
		}
	}
	expr, err := p.parseComparison()
	if err != nil {
		return aggregateArg{}, err
	}
	return aggregateArg{expr: expr}, nil
}

// normalizeRange reorders corners so iteration always moves down-right.
func normalizeRange(a, b CellRef) (CellRef, CellRef) {
	start := CellRef{Col: a.Col, Row: a.Row}
	end := CellRef{Col: b.Col, Row: b.Row}
	if end.Col < start.Col {
		start.Col, end.Col = end.Col, start.Col
	}
	if end.Row < start.Row {
		start.Row, end.Row = end.Row, start.Row
	}
	return start, end
}
