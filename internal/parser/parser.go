// Package parser turns a lexer.Line stream into an ast.Program via
// indent-structured recursive descent.
package parser

import (
	"fmt"
	"strings"

	"vaultc/internal/ast"
	"vaultc/internal/lexer"
)

// Error reports a diagnostic tied to a specific source line.
type Error struct {
	Line    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (line %d)", e.Message, e.Line)
}

func errf(line int, format string, args ...interface{}) error {
	return &Error{Line: line, Message: fmt.Sprintf(format, args...)}
}

// Parser walks a fixed Line slice with an explicit cursor; it never
// backtracks and never attempts error recovery.
type Parser struct {
	lines []lexer.Line
	pos   int
}

// New constructs a Parser over lines produced by the lexer.
func New(lines []lexer.Line) *Parser {
	return &Parser{lines: lines}
}

// Parse consumes the whole line stream and returns the program.
func (p *Parser) Parse() (ast.Program, error) {
	var prog ast.Program
	for p.pos < len(p.lines) {
		line := p.lines[p.pos]
		if strings.TrimSpace(line.Text) == "" {
			p.pos++
			continue
		}
		if line.Indent != 0 {
			return prog, errf(line.Number, "top-level statements must start at indent 0")
		}
		vault, err := p.parseVault()
		if err != nil {
			return prog, err
		}
		prog.Vaults = append(prog.Vaults, vault)
	}
	return prog, nil
}

func (p *Parser) parseVault() (ast.VaultBlock, error) {
	line := p.lines[p.pos]
	text := strings.TrimSpace(line.Text)

	var optional bool
	var name string
	switch {
	case strings.HasPrefix(text, "vault? "):
		optional = true
		name = strings.TrimSpace(text[len("vault? "):])
	case strings.HasPrefix(text, "vault "):
		name = strings.TrimSpace(text[len("vault "):])
	default:
		return ast.VaultBlock{}, errf(line.Number, "expected 'vault' declaration")
	}
	if name == "" {
		return ast.VaultBlock{}, errf(line.Number, "vault name missing")
	}

	p.pos++
	body, err := p.parseBlock(line.Indent + 2)
	if err != nil {
		return ast.VaultBlock{}, err
	}
	if len(body) == 0 || body[len(body)-1].Kind != ast.StmtSecure {
		return ast.VaultBlock{}, errf(line.Number, "vault %q missing terminating 'secure'", name)
	}
	return ast.VaultBlock{Optional: optional, Name: name, Line: line.Number, Body: body}, nil
}

func (p *Parser) parseBlock(indent int) ([]ast.Statement, error) {
	var stmts []ast.Statement
	for p.pos < len(p.lines) {
		line := p.lines[p.pos]
		if strings.TrimSpace(line.Text) == "" {
			p.pos++
			continue
		}
		if line.Indent < indent {
			break
		}
		if line.Indent != indent {
			return nil, errf(line.Number, "unexpected indent")
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func (p *Parser) parseStatement() (ast.Statement, error) {
	line := p.lines[p.pos]
	text := strings.TrimSpace(line.Text)

	switch {
	case strings.HasPrefix(text, "registry "):
		name := strings.TrimSpace(text[len("registry "):])
		if name == "" {
			return ast.Statement{}, errf(line.Number, "registry name missing")
		}
		p.pos++
		return ast.Statement{Kind: ast.StmtRegistry, Line: line.Number, Registry: name}, nil

	case strings.HasPrefix(text, "if "):
		rest := strings.TrimSpace(text[len("if "):])
		var isMissing bool
		switch {
		case strings.HasPrefix(rest, "missing "):
			isMissing = true
			rest = strings.TrimSpace(rest[len("missing "):])
		case strings.HasPrefix(rest, "present "):
			isMissing = false
			rest = strings.TrimSpace(rest[len("present "):])
		default:
			return ast.Statement{}, errf(line.Number, "expected 'missing' or 'present'")
		}
		target, err := parseTarget(rest, line.Number)
		if err != nil {
			return ast.Statement{}, err
		}
		p.pos++
		body, err := p.parseBlock(line.Indent + 2)
		if err != nil {
			return ast.Statement{}, err
		}
		return ast.Statement{
			Kind: ast.StmtIf,
			Line: line.Number,
			Cond: ast.Conditional{IsMissing: isMissing, Target: target, Body: body},
		}, nil

	case strings.HasPrefix(text, "store "):
		return p.parseAssign(ast.StmtStore, text[len("store "):], line)

	case strings.HasPrefix(text, "replace "):
		return p.parseAssign(ast.StmtReplace, text[len("replace "):], line)

	case strings.HasPrefix(text, "note "):
		note, err := expectQuoted(text[len("note "):], line.Number)
		if err != nil {
			return ast.Statement{}, err
		}
		p.pos++
		return ast.Statement{Kind: ast.StmtNote, Line: line.Number, Note: note}, nil

	case text == "secure":
		p.pos++
		return ast.Statement{Kind: ast.StmtSecure, Line: line.Number}, nil
	}

	return ast.Statement{}, errf(line.Number, "unknown statement: %s", text)
}

func (p *Parser) parseAssign(kind ast.StatementKind, rest string, line lexer.Line) (ast.Statement, error) {
	rest = strings.TrimSpace(rest)
	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return ast.Statement{}, errf(line.Number, "missing '='")
	}
	targetText := strings.TrimSpace(rest[:eq])
	valueText := strings.TrimSpace(rest[eq+1:])

	target, err := parseTarget(targetText, line.Number)
	if err != nil {
		return ast.Statement{}, err
	}
	value, err := parseValueExpr(valueText, line.Number)
	if err != nil {
		return ast.Statement{}, err
	}
	p.pos++
	return ast.Statement{Kind: kind, Line: line.Number, Target: target, Value: value}, nil
}

func expectQuoted(text string, line int) (string, error) {
	t := strings.TrimSpace(text)
	if len(t) < 2 || t[0] != '"' || t[len(t)-1] != '"' {
		return "", errf(line, "expected quoted string")
	}
	return t[1 : len(t)-1], nil
}

func parseTarget(text string, line int) (ast.Target, error) {
	expr := strings.TrimSpace(text)
	arrow := strings.Index(expr, "->")
	if arrow < 0 {
		return ast.Target{}, errf(line, "expected '->' in target")
	}
	left := strings.TrimSpace(expr[:arrow])
	right := strings.TrimSpace(expr[arrow+2:])

	var t ast.Target
	if left != "" && left != "->" {
		t.Registry = left
		t.HasReg = true
	}
	key, err := expectQuoted(right, line)
	if err != nil {
		return ast.Target{}, err
	}
	t.Key = key
	return t, nil
}

func parseValueExpr(text string, line int) (ast.ValueExpr, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return ast.ValueExpr{}, errf(line, "missing value")
	}
	if t[0] == '"' {
		s, err := expectQuoted(t, line)
		if err != nil {
			return ast.ValueExpr{}, err
		}
		return ast.ValueExpr{Kind: ast.ValueLiteral, Text: s}, nil
	}
	if t[0] == '{' || t[0] == '[' {
		return ast.ValueExpr{Kind: ast.ValueDocument, Text: t}, nil
	}
	open := strings.IndexByte(t, '(')
	closeParen := strings.IndexByte(t, ')')
	if open >= 0 && closeParen == len(t)-1 && open == closeParen-1 {
		name := t[:open]
		if name == "" {
			return ast.ValueExpr{}, errf(line, "bad builtin")
		}
		return ast.ValueExpr{Kind: ast.ValueBuiltin, Text: name}, nil
	}
	return ast.ValueExpr{}, errf(line, "unrecognized value expression")
}
