package workflow

import (
	"fmt"
	"strings"

	"github.com/orcaops/orcaops/pkg/schema"
)

// Conditions gate workflow jobs. The grammar is deliberately small:
//
//	expr       := or
//	or         := and ("or" and)*
//	and        := unary ("and" unary)*
//	unary      := "not" unary | primary
//	primary    := "(" expr ")" | comparison
//	comparison := operand ("==" | "!=") operand
//	operand    := reference | string literal
//
// References are jobs.<name>.status and env.<KEY>. Job statuses resolve
// to their lowercase form, so 'success' matches a SUCCESS run. A
// comparison with an unresolvable reference is false, != included.

const maxConditionDepth = 32

// Bindings supplies the values conditions are evaluated against.
type Bindings struct {
	JobStatuses map[string]schema.JobStatus
	Env         map[string]string
}

// Condition is a parsed gating expression.
type Condition struct {
	source string
	root   condExpr
}

// ParseCondition parses an expression, stripping an optional ${{ }}
// wrapper first.
func ParseCondition(source string) (*Condition, error) {
	inner := strings.TrimSpace(source)
	if strings.HasPrefix(inner, "${{") && strings.HasSuffix(inner, "}}") {
		inner = strings.TrimSpace(inner[3 : len(inner)-2])
	}
	if inner == "" {
		return nil, fmt.Errorf("empty condition")
	}

	p := &condParser{lex: condLexer{input: inner}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseOr(0)
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q after expression", p.tok.text)
	}
	return &Condition{source: source, root: root}, nil
}

// Eval evaluates the condition against the bindings.
func (c *Condition) Eval(b Bindings) bool {
	return c.root.eval(b)
}

func (c *Condition) String() string {
	return c.source
}

// EvalCondition parses and evaluates in one step.
func EvalCondition(source string, b Bindings) (bool, error) {
	cond, err := ParseCondition(source)
	if err != nil {
		return false, err
	}
	return cond.Eval(b), nil
}

type condExpr interface {
	eval(b Bindings) bool
}

type condBinary struct {
	op          tokenKind // tokAnd or tokOr
	left, right condExpr
}

func (e condBinary) eval(b Bindings) bool {
	if e.op == tokAnd {
		return e.left.eval(b) && e.right.eval(b)
	}
	return e.left.eval(b) || e.right.eval(b)
}

type condNot struct {
	expr condExpr
}

func (e condNot) eval(b Bindings) bool {
	return !e.expr.eval(b)
}

type condCompare struct {
	left, right condOperand
	negate      bool
}

func (e condCompare) eval(b Bindings) bool {
	lv, lok := e.left.resolve(b)
	rv, rok := e.right.resolve(b)
	if !lok || !rok {
		return false
	}
	if e.negate {
		return lv != rv
	}
	return lv == rv
}

type condOperand struct {
	literal string
	isLit   bool
	jobRef  string
	envRef  string
}

func (o condOperand) resolve(b Bindings) (string, bool) {
	switch {
	case o.isLit:
		return o.literal, true
	case o.jobRef != "":
		status, ok := b.JobStatuses[o.jobRef]
		if !ok || status == "" {
			return "", false
		}
		return strings.ToLower(string(status)), true
	default:
		v, ok := b.Env[o.envRef]
		return v, ok
	}
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokEq
	tokNeq
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

type condLexer struct {
	input string
	pos   int
}

func (l *condLexer) next() (token, error) {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}, nil
	}

	switch c := l.input[l.pos]; c {
	case '(':
		l.pos++
		return token{kind: tokLParen, text: "("}, nil
	case ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}, nil
	case '=':
		if l.pos+1 < len(l.input) && l.input[l.pos+1] == '=' {
			l.pos += 2
			return token{kind: tokEq, text: "=="}, nil
		}
		return token{}, fmt.Errorf("single '=' at position %d, use '=='", l.pos)
	case '!':
		if l.pos+1 < len(l.input) && l.input[l.pos+1] == '=' {
			l.pos += 2
			return token{kind: tokNeq, text: "!="}, nil
		}
		return token{}, fmt.Errorf("bare '!' at position %d, use 'not' or '!='", l.pos)
	case '\'', '"':
		end := l.pos + 1
		for end < len(l.input) && l.input[end] != c {
			end++
		}
		if end >= len(l.input) {
			return token{}, fmt.Errorf("unterminated string at position %d", l.pos)
		}
		text := l.input[l.pos+1 : end]
		l.pos = end + 1
		return token{kind: tokString, text: text}, nil
	}

	start := l.pos
	for l.pos < len(l.input) && isWordChar(l.input[l.pos]) {
		l.pos++
	}
	if l.pos == start {
		return token{}, fmt.Errorf("unexpected character %q at position %d", l.input[l.pos], l.pos)
	}
	word := l.input[start:l.pos]
	switch word {
	case "and":
		return token{kind: tokAnd, text: word}, nil
	case "or":
		return token{kind: tokOr, text: word}, nil
	case "not":
		return token{kind: tokNot, text: word}, nil
	}
	return token{kind: tokWord, text: word}, nil
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_' || c == '.' || c == '-'
}

type condParser struct {
	lex condLexer
	tok token
}

func (p *condParser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *condParser) parseOr(depth int) (condExpr, error) {
	left, err := p.parseAnd(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd(depth + 1)
		if err != nil {
			return nil, err
		}
		left = condBinary{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd(depth int) (condExpr, error) {
	left, err := p.parseUnary(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		left = condBinary{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseUnary(depth int) (condExpr, error) {
	if depth > maxConditionDepth {
		return nil, fmt.Errorf("condition nests deeper than %d levels", maxConditionDepth)
	}
	if p.tok.kind == tokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return condNot{expr: expr}, nil
	}
	return p.parsePrimary(depth)
}

func (p *condParser) parsePrimary(depth int) (condExpr, error) {
	if p.tok.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseOr(depth + 1)
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return expr, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (condExpr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	var negate bool
	switch p.tok.kind {
	case tokEq:
	case tokNeq:
		negate = true
	default:
		return nil, fmt.Errorf("expected '==' or '!=' after operand, got %q", p.tok.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return condCompare{left: left, right: right, negate: negate}, nil
}

func (p *condParser) parseOperand() (condOperand, error) {
	switch p.tok.kind {
	case tokString:
		op := condOperand{literal: p.tok.text, isLit: true}
		return op, p.advance()
	case tokWord:
		op, err := parseReference(p.tok.text)
		if err != nil {
			return condOperand{}, err
		}
		return op, p.advance()
	default:
		return condOperand{}, fmt.Errorf("expected a reference or string, got %q", p.tok.text)
	}
}

// parseReference accepts jobs.<name>.status and env.<KEY>. Job names
// may themselves contain dots.
func parseReference(word string) (condOperand, error) {
	parts := strings.Split(word, ".")
	switch {
	case parts[0] == "jobs" && len(parts) >= 3 && parts[len(parts)-1] == "status":
		name := strings.Join(parts[1:len(parts)-1], ".")
		if name == "" {
			return condOperand{}, fmt.Errorf("reference %q has an empty job name", word)
		}
		return condOperand{jobRef: name}, nil
	case parts[0] == "env" && len(parts) == 2 && parts[1] != "":
		return condOperand{envRef: parts[1]}, nil
	default:
		return condOperand{}, fmt.Errorf("unknown reference %q, want jobs.<name>.status or env.<KEY>", word)
	}
}
