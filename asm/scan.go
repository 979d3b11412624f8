/*
Package asm implements a textual assembler for code blobs.

The assembler reads a line-oriented format, one instruction per line:

    ; comments run to the end of the line
    func sum a b            ; function sum with formals a and b
        id! a
        id b
        plus
        forward return 0 0 @done
    done:
    end
        int! 3
        range_start i 1
    top: range_step @exit
        id! print
        id! i
        call 1 0
        branch @top
    exit:

Mnemonics are those of package code; a trailing '!' sets the push bit.
Branch targets are labels, prefixed by '@'. Function blocks
`func NAME FORMAL… [* REST] … end` are assembled into functions and bound
to global NAME before the main code runs.

Parsed programs are portable: identifiers are kept as names and are
interned only when loading a program into a VM. Programs may be stored as
images, which carry a fingerprint of their content.

License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © 2017–2021 Norbert Pillmayer <norbert@pillmayer.com>

*/
package asm

import (
	"fmt"
	"sync"

	"github.com/npillmayer/schuko/tracing"
	"github.com/timtadh/lexmachine"
	"github.com/timtadh/lexmachine/machines"
)

// tracer traces with key 'poolvm.asm'.
func tracer() tracing.Trace {
	return tracing.Select("poolvm.asm")
}

// Token types of the assembler format.
const (
	tokEOF = iota
	tokNewline
	tokName
	tokNumber
	tokString
	tokLabel  // name:
	tokTarget // @name
	tokStar
)

var tokenNames = []string{"end of input", "end of line", "name", "number", "string",
	"label", "target", "'*'"}

// token is a scanned lexeme.
type token struct {
	typ    int
	lexeme string
	line   int
	col    int
}

func (t token) String() string {
	if t.typ == tokEOF || t.typ == tokNewline {
		return tokenNames[t.typ]
	}
	return fmt.Sprintf("%s %q", tokenNames[t.typ], t.lexeme)
}

var (
	lexer     *lexmachine.Lexer
	lexerErr  error
	lexerOnce sync.Once // monitors one-time initialization
)

// newLexer compiles the DFA of the assembler format. It is compiled once
// and shared between parses.
func newLexer() (*lexmachine.Lexer, error) {
	lexerOnce.Do(func() {
		lx := lexmachine.NewLexer()
		lx.Add([]byte(`;[^\n]*`), skip) // comments
		lx.Add([]byte(`( |\t|\r)+`), skip)
		lx.Add([]byte(`\n`), makeToken(tokNewline))
		lx.Add([]byte(`\"([^"\\]|\\.)*\"`), makeToken(tokString))
		lx.Add([]byte(`\-?(inf|nan)`), makeToken(tokNumber))
		lx.Add([]byte(`([a-z]|[A-Z]|_)([a-z]|[A-Z]|[0-9]|_)*!?`), makeToken(tokName))
		lx.Add([]byte(`([a-z]|[A-Z]|_)([a-z]|[A-Z]|[0-9]|_)*:`), makeToken(tokLabel))
		lx.Add([]byte(`@([a-z]|[A-Z]|_)([a-z]|[A-Z]|[0-9]|_)*`), makeToken(tokTarget))
		lx.Add([]byte(`\-?[0-9]+(\.[0-9]+)?((e|E)(\+|\-)?[0-9]+)?`), makeToken(tokNumber))
		lx.Add([]byte(`\*`), makeToken(tokStar))
		if lexerErr = lx.Compile(); lexerErr != nil {
			tracer().Errorf("error compiling DFA: %v", lexerErr)
			return
		}
		lexer = lx
	})
	return lexer, lexerErr
}

// skip is a lexmachine action which ignores the scanned match.
func skip(*lexmachine.Scanner, *machines.Match) (interface{}, error) {
	return nil, nil
}

// makeToken is a lexmachine action which wraps a scanned match into a token.
func makeToken(typ int) lexmachine.Action {
	return func(s *lexmachine.Scanner, m *machines.Match) (interface{}, error) {
		return s.Token(typ, string(m.Bytes), m), nil
	}
}

// scanner produces the tokens of an input.
type scanner struct {
	s *lexmachine.Scanner
}

func newScanner(input string) (*scanner, error) {
	lx, err := newLexer()
	if err != nil {
		return nil, err
	}
	s, err := lx.Scanner([]byte(input))
	if err != nil {
		return nil, err
	}
	return &scanner{s: s}, nil
}

// next returns the next token. Unconsumed input is an error.
func (sc *scanner) next() (token, error) {
	tok, err, eof := sc.s.Next()
	if err != nil {
		if ui, ok := err.(*machines.UnconsumedInput); ok {
			msg := "unexpected end of input"
			if ui.FailTC < len(ui.Text) {
				msg = fmt.Sprintf("unexpected character %q", ui.Text[ui.FailTC])
			}
			return token{}, &SyntaxError{Line: ui.FailLine, Msg: msg}
		}
		return token{}, err
	}
	if eof {
		return token{typ: tokEOF}, nil
	}
	t := tok.(*lexmachine.Token)
	return token{
		typ:    t.Type,
		lexeme: string(t.Lexeme),
		line:   t.StartLine,
		col:    t.StartColumn,
	}, nil
}

// SyntaxError is an error in the assembler input.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}
