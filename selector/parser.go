package selector

import (
	"github.com/timtadh/lexmachine"
)

type parser struct {
	input  string
	toks   []*lexmachine.Token
	pos    int
	fields bool
}

// Parse parses a label selector:
//
//	selector := clause (',' clause)*
//	clause   := key op value | key 'in' '(' values ')' |
//	            key 'notin' '(' values ')' | key | '!' key
//
// An empty input is the empty selector, which matches everything.
func Parse(input string) (Selector, error) {
	return parse(input, false)
}

// ParseFields parses a field selector: the same shape, but keys are
// dotted paths and the range operators <, <=, >, >= are admitted.
// Whether a range clause is actually executable depends on an ordered
// index existing for the path; the planner decides that.
func ParseFields(input string) (Selector, error) {
	return parse(input, true)
}

func parse(input string, fields bool) (Selector, error) {
	toks, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: input, toks: toks, fields: fields}
	var sel Selector
	if len(toks) == 0 {
		return sel, nil
	}
	for {
		req, err := p.clause()
		if err != nil {
			return nil, err
		}
		sel = append(sel, req)
		if p.done() {
			return sel, nil
		}
		if err := p.expect(tokComma, "expected ','"); err != nil {
			return nil, err
		}
		if p.done() {
			return nil, &Error{Offset: len(input), Msg: "trailing ','"}
		}
	}
}

func (p *parser) done() bool {
	return p.pos >= len(p.toks)
}

func (p *parser) peek() *lexmachine.Token {
	if p.done() {
		return nil
	}
	return p.toks[p.pos]
}

func (p *parser) next() *lexmachine.Token {
	t := p.peek()
	if t != nil {
		p.pos++
	}
	return t
}

func (p *parser) errHere(msg string) error {
	offset := len(p.input)
	if t := p.peek(); t != nil {
		offset = t.TC
	}
	return &Error{Offset: offset, Msg: msg}
}

func (p *parser) expect(typ int, msg string) error {
	if t := p.peek(); t == nil || t.Type != typ {
		return p.errHere(msg)
	}
	p.pos++
	return nil
}

func (p *parser) clause() (Requirement, error) {
	t := p.next()
	if t == nil {
		return Requirement{}, p.errHere("expected clause")
	}
	if t.Type == tokBang {
		key := p.next()
		if key == nil || key.Type != tokIdent {
			return Requirement{}, p.errHere("expected key after '!'")
		}
		return Requirement{Key: keyString(key), Op: DoesNotExist}, nil
	}
	if t.Type != tokIdent {
		return Requirement{}, &Error{Offset: t.TC, Msg: "expected key"}
	}
	key := keyString(t)

	op := p.peek()
	if op == nil || op.Type == tokComma {
		return Requirement{Key: key, Op: Exists}, nil
	}
	switch op.Type {
	case tokEq, tokNeq, tokLt, tokLe, tokGt, tokGe:
		p.pos++
		if isRange(op.Type) && !p.fields {
			return Requirement{}, &Error{Offset: op.TC, Msg: "range operator in label selector"}
		}
		val := p.next()
		if val == nil || val.Type != tokIdent {
			return Requirement{}, p.errHere("expected value")
		}
		return Requirement{Key: key, Op: operator(op.Type), Values: []string{keyString(val)}}, nil
	case tokIn, tokNotIn:
		p.pos++
		values, err := p.valueList()
		if err != nil {
			return Requirement{}, err
		}
		o := In
		if op.Type == tokNotIn {
			o = NotIn
		}
		return Requirement{Key: key, Op: o, Values: values}, nil
	default:
		return Requirement{}, &Error{Offset: op.TC, Msg: "expected operator"}
	}
}

func (p *parser) valueList() ([]string, error) {
	if err := p.expect(tokLParen, "expected '('"); err != nil {
		return nil, err
	}
	var values []string
	for {
		t := p.next()
		if t == nil {
			return nil, p.errHere("unterminated value list")
		}
		switch t.Type {
		case tokIdent, tokIn, tokNotIn:
			// keywords are plain values inside a list
			values = append(values, keyString(t))
		default:
			return nil, &Error{Offset: t.TC, Msg: "expected value"}
		}
		t = p.next()
		if t == nil {
			return nil, p.errHere("unterminated value list")
		}
		if t.Type == tokRParen {
			return values, nil
		}
		if t.Type != tokComma {
			return nil, &Error{Offset: t.TC, Msg: "expected ',' or ')'"}
		}
	}
}

func keyString(t *lexmachine.Token) string {
	return string(t.Lexeme)
}

func isRange(typ int) bool {
	switch typ {
	case tokLt, tokLe, tokGt, tokGe:
		return true
	}
	return false
}

func operator(typ int) Operator {
	switch typ {
	case tokEq:
		return Equals
	case tokNeq:
		return NotEquals
	case tokLt:
		return LessThan
	case tokLe:
		return LessOrEqual
	case tokGt:
		return GreaterThan
	case tokGe:
		return GreaterOrEqual
	}
	return Operator("")
}
