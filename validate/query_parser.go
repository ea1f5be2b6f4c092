// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"fmt"
	"strings"
)

// allowedPragmas are the schema-introspection pragmas a query unit
// may invoke. Everything else is rejected, including pragmas that
// merely read engine state, because the allow-set is closed.
var allowedPragmas = map[string]bool{
	"table_info":    true,
	"table_xinfo":   true,
	"table_list":    true,
	"index_list":    true,
	"index_info":    true,
	"database_list": true,
}

// CheckQuery parses body against the read-only grammar: a single
// SELECT statement (optionally prefixed by a WITH clause and
// optionally compounded with UNION/INTERSECT/EXCEPT), or a single
// introspection PRAGMA from the allow-set. Anything the grammar does
// not positively admit is an error.
func CheckQuery(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("empty query")
	}
	tokens, err := lexQuery(body)
	if err != nil {
		return err
	}
	p := &queryParser{tokens: tokens}
	if err := p.statement(); err != nil {
		return err
	}
	// Optional trailing semicolon, then nothing.
	sawSemicolon := false
	if p.atPunct(";") {
		p.next()
		sawSemicolon = true
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		if sawSemicolon || (tok.kind == tokenPunct && tok.text == ";") {
			return fmt.Errorf("multiple statements are not allowed")
		}
		return fmt.Errorf("unexpected %q after statement end", tok.text)
	}
	return nil
}

type queryParser struct {
	tokens []token
	pos    int
	depth  int
}

// maxParseDepth bounds nested subquery recursion so a pathological
// input cannot exhaust the stack.
const maxParseDepth = 32

func (p *queryParser) peek() token { return p.tokens[p.pos] }
func (p *queryParser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *queryParser) atKeyword(words ...string) bool {
	tok := p.peek()
	if tok.kind != tokenKeyword {
		return false
	}
	for _, w := range words {
		if tok.text == w {
			return true
		}
	}
	return false
}

func (p *queryParser) atPunct(text string) bool {
	tok := p.peek()
	return tok.kind == tokenPunct && tok.text == text
}

func (p *queryParser) expectKeyword(word string) error {
	tok := p.next()
	if tok.kind != tokenKeyword || tok.text != word {
		return fmt.Errorf("expected %s, found %q", word, tokenText(tok))
	}
	return nil
}

func (p *queryParser) expectPunct(text string) error {
	tok := p.next()
	if tok.kind != tokenPunct || tok.text != text {
		return fmt.Errorf("expected %q, found %q", text, tokenText(tok))
	}
	return nil
}

func (p *queryParser) expectIdent() (string, error) {
	tok := p.next()
	if tok.kind != tokenIdent {
		return "", fmt.Errorf("expected identifier, found %q", tokenText(tok))
	}
	return tok.text, nil
}

func tokenText(tok token) string {
	if tok.kind == tokenEOF {
		return "end of input"
	}
	return tok.text
}

// statement parses the single admitted statement form.
func (p *queryParser) statement() error {
	switch {
	case p.atKeyword("WITH"):
		if err := p.withClause(); err != nil {
			return err
		}
		return p.compoundSelect()
	case p.atKeyword("SELECT"):
		return p.compoundSelect()
	case p.atKeyword("PRAGMA"):
		return p.pragma()
	default:
		return fmt.Errorf("statement must begin with SELECT, WITH, or PRAGMA, found %q", tokenText(p.peek()))
	}
}

func (p *queryParser) pragma() error {
	p.next() // PRAGMA
	name, err := p.expectIdent()
	if err != nil {
		return err
	}
	if !allowedPragmas[strings.ToLower(name)] {
		return fmt.Errorf("pragma %s is not an allowed introspection pragma", name)
	}
	if p.atPunct("(") {
		p.next()
		tok := p.next()
		if tok.kind != tokenIdent && tok.kind != tokenString {
			return fmt.Errorf("pragma argument must be a name, found %q", tokenText(tok))
		}
		if err := p.expectPunct(")"); err != nil {
			return err
		}
	}
	return nil
}

// withClause parses WITH [RECURSIVE] name [(cols)] AS (select) [, ...].
// Each CTE body recurses into compoundSelect, so a CTE can never hide
// anything the top-level grammar would not admit.
func (p *queryParser) withClause() error {
	p.next() // WITH
	if p.atKeyword("RECURSIVE") {
		p.next()
	}
	for {
		if _, err := p.expectIdent(); err != nil {
			return fmt.Errorf("common table expression: %w", err)
		}
		if p.atPunct("(") {
			p.next()
			for {
				if _, err := p.expectIdent(); err != nil {
					return fmt.Errorf("common table expression columns: %w", err)
				}
				if p.atPunct(",") {
					p.next()
					continue
				}
				break
			}
			if err := p.expectPunct(")"); err != nil {
				return err
			}
		}
		if err := p.expectKeyword("AS"); err != nil {
			return err
		}
		if err := p.expectPunct("("); err != nil {
			return err
		}
		if err := p.compoundSelect(); err != nil {
			return err
		}
		if err := p.expectPunct(")"); err != nil {
			return err
		}
		if p.atPunct(",") {
			p.next()
			continue
		}
		return nil
	}
}

// compoundSelect parses one or more select cores joined by compound
// operators, followed by optional ORDER BY and LIMIT.
func (p *queryParser) compoundSelect() error {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxParseDepth {
		return fmt.Errorf("query nesting exceeds depth limit %d", maxParseDepth)
	}
	for {
		if err := p.selectCore(); err != nil {
			return err
		}
		if p.atKeyword("UNION") {
			p.next()
			if p.atKeyword("ALL") {
				p.next()
			}
			continue
		}
		if p.atKeyword("INTERSECT") || p.atKeyword("EXCEPT") {
			p.next()
			continue
		}
		break
	}
	if p.atKeyword("ORDER") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return err
		}
		for {
			if err := p.expression(); err != nil {
				return err
			}
			if p.atKeyword("ASC") || p.atKeyword("DESC") {
				p.next()
			}
			if p.atPunct(",") {
				p.next()
				continue
			}
			break
		}
	}
	if p.atKeyword("LIMIT") {
		p.next()
		if err := p.expression(); err != nil {
			return err
		}
		if p.atKeyword("OFFSET") {
			p.next()
			if err := p.expression(); err != nil {
				return err
			}
		} else if p.atPunct(",") {
			p.next()
			if err := p.expression(); err != nil {
				return err
			}
		}
	}
	return nil
}

// selectCore parses SELECT ... [FROM ...] [WHERE ...] [GROUP BY ...
// [HAVING ...]].
func (p *queryParser) selectCore() error {
	if err := p.expectKeyword("SELECT"); err != nil {
		return err
	}
	if p.atKeyword("DISTINCT") || p.atKeyword("ALL") {
		p.next()
	}
	for {
		if err := p.resultColumn(); err != nil {
			return err
		}
		if p.atPunct(",") {
			p.next()
			continue
		}
		break
	}
	if p.atKeyword("FROM") {
		p.next()
		if err := p.fromClause(); err != nil {
			return err
		}
	}
	if p.atKeyword("WHERE") {
		p.next()
		if err := p.expression(); err != nil {
			return err
		}
	}
	if p.atKeyword("GROUP") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return err
		}
		for {
			if err := p.expression(); err != nil {
				return err
			}
			if p.atPunct(",") {
				p.next()
				continue
			}
			break
		}
		if p.atKeyword("HAVING") {
			p.next()
			if err := p.expression(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *queryParser) resultColumn() error {
	if p.atPunct("*") {
		p.next()
		return nil
	}
	// table.* needs two tokens of lookahead.
	if p.peek().kind == tokenIdent && p.pos+2 < len(p.tokens) &&
		p.tokens[p.pos+1].kind == tokenPunct && p.tokens[p.pos+1].text == "." &&
		p.tokens[p.pos+2].kind == tokenPunct && p.tokens[p.pos+2].text == "*" {
		p.pos += 3
		return nil
	}
	if err := p.expression(); err != nil {
		return err
	}
	if p.atKeyword("AS") {
		p.next()
		if _, err := p.expectIdent(); err != nil {
			return fmt.Errorf("column alias: %w", err)
		}
	} else if p.peek().kind == tokenIdent {
		p.next()
	}
	return nil
}

// fromClause parses a table source followed by any number of joins.
func (p *queryParser) fromClause() error {
	if err := p.tableSource(); err != nil {
		return err
	}
	for {
		switch {
		case p.atPunct(","):
			p.next()
		case p.atKeyword("NATURAL"):
			p.next()
			if err := p.joinKeywords(); err != nil {
				return err
			}
		case p.atKeyword("JOIN", "INNER", "LEFT", "RIGHT", "FULL", "CROSS"):
			if err := p.joinKeywords(); err != nil {
				return err
			}
		default:
			return nil
		}
		if err := p.tableSource(); err != nil {
			return err
		}
		if p.atKeyword("ON") {
			p.next()
			if err := p.expression(); err != nil {
				return err
			}
		} else if p.atKeyword("USING") {
			p.next()
			if err := p.expectPunct("("); err != nil {
				return err
			}
			for {
				if _, err := p.expectIdent(); err != nil {
					return err
				}
				if p.atPunct(",") {
					p.next()
					continue
				}
				break
			}
			if err := p.expectPunct(")"); err != nil {
				return err
			}
		}
	}
}

func (p *queryParser) joinKeywords() error {
	if p.atKeyword("LEFT", "RIGHT", "FULL") {
		p.next()
		if p.atKeyword("OUTER") {
			p.next()
		}
	} else if p.atKeyword("INNER", "CROSS") {
		p.next()
	}
	return p.expectKeyword("JOIN")
}

// tableSource parses a table name (optionally schema-qualified), a
// parenthesized subquery, or a parenthesized table source, each with
// an optional alias.
func (p *queryParser) tableSource() error {
	if p.atPunct("(") {
		p.next()
		if p.atKeyword("SELECT") || p.atKeyword("WITH") {
			if p.atKeyword("WITH") {
				if err := p.withClause(); err != nil {
					return err
				}
			}
			if err := p.compoundSelect(); err != nil {
				return err
			}
		} else {
			if err := p.tableSource(); err != nil {
				return err
			}
		}
		if err := p.expectPunct(")"); err != nil {
			return err
		}
	} else {
		if _, err := p.expectIdent(); err != nil {
			return fmt.Errorf("table name: %w", err)
		}
		if p.atPunct(".") {
			p.next()
			if _, err := p.expectIdent(); err != nil {
				return fmt.Errorf("table name: %w", err)
			}
		}
		// Table-valued function call.
		if p.atPunct("(") {
			p.next()
			if !p.atPunct(")") {
				for {
					if err := p.expression(); err != nil {
						return err
					}
					if p.atPunct(",") {
						p.next()
						continue
					}
					break
				}
			}
			if err := p.expectPunct(")"); err != nil {
				return err
			}
		}
	}
	if p.atKeyword("AS") {
		p.next()
		if _, err := p.expectIdent(); err != nil {
			return fmt.Errorf("table alias: %w", err)
		}
	} else if p.peek().kind == tokenIdent {
		p.next()
	}
	return nil
}

// expression scans a balanced expression over the closed token set.
// It does not build a tree; it only admits token shapes the grammar
// allows and recurses into parenthesized subqueries so nesting stays
// inside the same grammar.
func (p *queryParser) expression() error {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxParseDepth {
		return fmt.Errorf("query nesting exceeds depth limit %d", maxParseDepth)
	}
	parens := 0
	consumed := 0
	for {
		tok := p.peek()
		switch tok.kind {
		case tokenEOF:
			if parens > 0 {
				return fmt.Errorf("unbalanced parentheses in expression")
			}
			if consumed == 0 {
				return fmt.Errorf("expected expression, found end of input")
			}
			return nil

		case tokenIdent, tokenString, tokenNumber:
			p.next()
			consumed++

		case tokenKeyword:
			switch tok.text {
			case "AND", "OR", "NOT", "IN", "IS", "NULL", "LIKE", "GLOB",
				"BETWEEN", "EXISTS", "CASE", "WHEN", "THEN", "ELSE", "END",
				"CAST", "AS", "COLLATE", "ESCAPE", "DISTINCT", "TRUE", "FALSE":
				p.next()
				consumed++
			case "SELECT":
				// A bare SELECT inside an expression only appears
				// inside parens we have already opened.
				if parens == 0 {
					if consumed == 0 {
						return fmt.Errorf("expected expression, found SELECT")
					}
					return nil
				}
				if err := p.compoundSelect(); err != nil {
					return err
				}
				consumed++
			default:
				// A clause keyword (FROM, WHERE, ORDER, ...) ends the
				// expression unless we are inside parentheses.
				if parens > 0 {
					return fmt.Errorf("unexpected %s inside parenthesized expression", tok.text)
				}
				if consumed == 0 {
					return fmt.Errorf("expected expression, found %s", tok.text)
				}
				return nil
			}

		case tokenPunct:
			switch tok.text {
			case "(":
				p.next()
				parens++
				consumed++
			case ")":
				if parens == 0 {
					if consumed == 0 {
						return fmt.Errorf("expected expression, found %q", ")")
					}
					return nil
				}
				p.next()
				parens--
			case ";":
				if parens > 0 {
					return fmt.Errorf("unbalanced parentheses in expression")
				}
				if consumed == 0 {
					return fmt.Errorf("expected expression, found %q", ";")
				}
				return nil
			case ",":
				if parens == 0 {
					if consumed == 0 {
						return fmt.Errorf("expected expression, found %q", ",")
					}
					return nil
				}
				p.next()
			default:
				p.next()
				consumed++
			}
		}
	}
}
