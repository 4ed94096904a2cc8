package selector

import (
	"fmt"
	"sync"

	"github.com/timtadh/lexmachine"
	"github.com/timtadh/lexmachine/machines"

	"github.com/anvilcms/anvil/anvil_errors"
)

const (
	tokIdent = iota
	tokIn
	tokNotIn
	tokEq
	tokNeq
	tokLt
	tokLe
	tokGt
	tokGe
	tokBang
	tokComma
	tokLParen
	tokRParen
)

// Error reports where in the selector the grammar broke.
type Error struct {
	Offset int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", anvil_errors.ErrMalformedSelector.Error(), e.Offset, e.Msg)
}

func (e *Error) Unwrap() error {
	return anvil_errors.ErrMalformedSelector
}

var (
	lexOnce sync.Once
	lex     *lexmachine.Lexer
	lexErr  error
)

func token(id int) lexmachine.Action {
	return func(s *lexmachine.Scanner, m *machines.Match) (interface{}, error) {
		return s.Token(id, string(m.Bytes), m), nil
	}
}

func skip(*lexmachine.Scanner, *machines.Match) (interface{}, error) {
	return nil, nil
}

// Longest match wins; keyword rules are added before the identifier
// rule so "in"/"notin" lex as keywords, while "index" still lexes as
// an identifier.
func lexer() (*lexmachine.Lexer, error) {
	lexOnce.Do(func() {
		l := lexmachine.NewLexer()
		l.Add([]byte(`( |\t)+`), skip)
		l.Add([]byte(`notin`), token(tokNotIn))
		l.Add([]byte(`in`), token(tokIn))
		l.Add([]byte(`==`), token(tokEq))
		l.Add([]byte(`=`), token(tokEq))
		l.Add([]byte(`!=`), token(tokNeq))
		l.Add([]byte(`<=`), token(tokLe))
		l.Add([]byte(`<`), token(tokLt))
		l.Add([]byte(`>=`), token(tokGe))
		l.Add([]byte(`>`), token(tokGt))
		l.Add([]byte(`!`), token(tokBang))
		l.Add([]byte(`,`), token(tokComma))
		l.Add([]byte(`\(`), token(tokLParen))
		l.Add([]byte(`\)`), token(tokRParen))
		l.Add([]byte(`[a-zA-Z0-9_][a-zA-Z0-9_./\-]*`), token(tokIdent))
		lexErr = l.Compile()
		lex = l
	})
	return lex, lexErr
}

func tokenize(input string) ([]*lexmachine.Token, error) {
	l, err := lexer()
	if err != nil {
		return nil, err
	}
	scanner, err := l.Scanner([]byte(input))
	if err != nil {
		return nil, &Error{Offset: 0, Msg: err.Error()}
	}
	var toks []*lexmachine.Token
	for tok, err, eof := scanner.Next(); !eof; tok, err, eof = scanner.Next() {
		if err != nil {
			offset := 0
			if uc, ok := err.(*machines.UnconsumedInput); ok {
				offset = int(uc.FailTC)
			}
			return nil, &Error{Offset: offset, Msg: "unexpected character"}
		}
		toks = append(toks, tok.(*lexmachine.Token))
	}
	return toks, nil
}
