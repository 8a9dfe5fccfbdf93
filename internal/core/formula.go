package core

import (
	"fmt"
	"strings"
)

// Formula is a parsed custom filter expression over condition formula ids.
//
// Grammar (keywords are lowercase and case-sensitive):
//
//	expr  := and { "or" and }
//	and   := unary { "and" unary }
//	unary := "not" unary | "(" expr ")" | id
//	id    := [A-Z]+
type Formula struct {
	source    string
	root      formulaNode
	constants []string
}

// ExpressionSyntaxError reports the position where a formula stopped parsing.
type ExpressionSyntaxError struct {
	Formula string
	Pos     int
}

func (e *ExpressionSyntaxError) Error() string {
	return fmt.Sprintf(`check expression starting from "%s"`, e.Formula[e.Pos:])
}

// UndefinedConditionError reports a formula id used on one side of a filter
// but not the other.
type UndefinedConditionError struct {
	FormulaID string
	// ConditionIndex is the 0-based index of a condition whose id the formula
	// never uses, or -1 when the formula references an absent condition.
	ConditionIndex int
}

func (e *UndefinedConditionError) Error() string {
	if e.ConditionIndex < 0 {
		return fmt.Sprintf(`missing filter condition "%s"`, e.FormulaID)
	}
	return "an identifier is not defined in the formula"
}

type formulaNode interface {
	eval(values map[string]bool) bool
}

type constantNode struct {
	id string
}

func (n constantNode) eval(values map[string]bool) bool {
	return values[n.id]
}

type notNode struct {
	operand formulaNode
}

func (n notNode) eval(values map[string]bool) bool {
	return !n.operand.eval(values)
}

type andNode struct {
	left, right formulaNode
}

func (n andNode) eval(values map[string]bool) bool {
	return n.left.eval(values) && n.right.eval(values)
}

type orNode struct {
	left, right formulaNode
}

func (n orNode) eval(values map[string]bool) bool {
	return n.left.eval(values) || n.right.eval(values)
}

// ParseFormula parses source into a Formula. An empty or malformed source
// yields an *ExpressionSyntaxError.
func ParseFormula(source string) (*Formula, error) {
	p := &formulaParser{src: source, seen: map[string]bool{}}

	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	end := p.pos
	p.skipSpaces()
	if p.pos < len(p.src) {
		return nil, p.errorAt(end)
	}

	return &Formula{source: source, root: root, constants: p.constants}, nil
}

func (f *Formula) String() string {
	return f.source
}

// Constants returns the distinct ids referenced by the formula in order of
// first appearance.
func (f *Formula) Constants() []string {
	return append([]string(nil), f.constants...)
}

// Evaluate resolves the formula; ids missing from values are false.
func (f *Formula) Evaluate(values map[string]bool) bool {
	return f.root.eval(values)
}

// CheckConstants cross-checks the formula against the condition ids in
// conditionIDs. The first formula id without a condition is reported before
// the first condition whose id the formula does not use.
func (f *Formula) CheckConstants(conditionIDs []string) error {
	defined := make(map[string]struct{}, len(conditionIDs))
	for _, id := range conditionIDs {
		defined[id] = struct{}{}
	}
	for _, id := range f.constants {
		if _, ok := defined[id]; !ok {
			return &UndefinedConditionError{FormulaID: id, ConditionIndex: -1}
		}
	}

	used := make(map[string]struct{}, len(f.constants))
	for _, id := range f.constants {
		used[id] = struct{}{}
	}
	for i, id := range conditionIDs {
		if _, ok := used[id]; !ok {
			return &UndefinedConditionError{FormulaID: id, ConditionIndex: i}
		}
	}

	return nil
}

type formulaParser struct {
	src       string
	pos       int
	constants []string
	seen      map[string]bool
}

func (p *formulaParser) errorAt(pos int) error {
	return &ExpressionSyntaxError{Formula: p.src, Pos: pos}
}

func (p *formulaParser) skipSpaces() {
	for p.pos < len(p.src) && isFormulaSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *formulaParser) parseOr() (formulaNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.binaryKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *formulaParser) parseAnd() (formulaNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.binaryKeyword("and") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *formulaParser) parseUnary() (formulaNode, error) {
	p.skipSpaces()
	start := p.pos

	if p.keywordAt(p.pos, "not") {
		p.pos += len("not")
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}

	if p.pos < len(p.src) && p.src[p.pos] == '(' {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpaces()
		if p.pos >= len(p.src) || p.src[p.pos] != ')' {
			return nil, p.errorAt(p.pos)
		}
		p.pos++
		return inner, nil
	}

	for p.pos < len(p.src) && p.src[p.pos] >= 'A' && p.src[p.pos] <= 'Z' {
		p.pos++
	}
	if p.pos == start || !p.delimiterAt(p.pos) {
		return nil, p.errorAt(start)
	}

	id := p.src[start:p.pos]
	if !p.seen[id] {
		p.seen[id] = true
		p.constants = append(p.constants, id)
	}
	return constantNode{id: id}, nil
}

// binaryKeyword consumes kw when it is the next token after at least one
// space, or directly after a closing parenthesis. On failure the position is
// left unchanged.
func (p *formulaParser) binaryKeyword(kw string) bool {
	save := p.pos
	p.skipSpaces()
	if p.pos == save && (save == 0 || p.src[save-1] != ')') {
		return false
	}
	if !p.keywordAt(p.pos, kw) {
		p.pos = save
		return false
	}
	p.pos += len(kw)
	return true
}

func (p *formulaParser) keywordAt(pos int, kw string) bool {
	if !strings.HasPrefix(p.src[pos:], kw) {
		return false
	}
	next := pos + len(kw)
	return next < len(p.src) && (isFormulaSpace(p.src[next]) || p.src[next] == '(')
}

func (p *formulaParser) delimiterAt(pos int) bool {
	return pos >= len(p.src) || isFormulaSpace(p.src[pos]) || p.src[pos] == ')'
}

func isFormulaSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
