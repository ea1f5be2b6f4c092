// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"fmt"
	"strings"
)

// tokenKind classifies query tokens. The lexer has no notion of
// statement structure; it only produces tokens the parser can admit
// or reject.
type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenKeyword
	tokenIdent  // bare or "double-quoted" identifier
	tokenString // 'single-quoted' literal
	tokenNumber
	tokenPunct // operators, parens, commas, semicolon
)

type token struct {
	kind tokenKind
	// text is the token verbatim for punct, uppercased for keywords,
	// and unquoted for quoted identifiers.
	text string
	pos  int
}

// queryKeywords are the words the grammar gives meaning to. Anything
// lexed as a bare word is either one of these (a keyword token) or an
// identifier.
var queryKeywords = map[string]bool{
	"WITH": true, "RECURSIVE": true, "AS": true,
	"SELECT": true, "DISTINCT": true, "ALL": true, "FROM": true,
	"WHERE": true, "GROUP": true, "BY": true, "HAVING": true,
	"ORDER": true, "ASC": true, "DESC": true, "LIMIT": true, "OFFSET": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"OUTER": true, "CROSS": true, "ON": true, "USING": true, "NATURAL": true,
	"UNION": true, "INTERSECT": true, "EXCEPT": true,
	"AND": true, "OR": true, "NOT": true, "IN": true, "IS": true,
	"NULL": true, "LIKE": true, "GLOB": true, "BETWEEN": true, "EXISTS": true,
	"CASE": true, "WHEN": true, "THEN": true, "ELSE": true, "END": true,
	"CAST": true, "COLLATE": true, "ESCAPE": true,
	"TRUE": true, "FALSE": true,
	"PRAGMA": true,
}

// forbiddenKeywords are words that can never appear as a bare word
// anywhere in a query, at any nesting depth. Rejecting them in the
// lexer means a data-modifying CTE body or a stacked statement fails
// before the parser even sees it, with a reason naming the verb.
var forbiddenKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"CREATE": true, "ALTER": true, "REPLACE": true, "TRUNCATE": true,
	"ATTACH": true, "DETACH": true, "VACUUM": true, "REINDEX": true,
	"ANALYZE": true, "BEGIN": true, "COMMIT": true, "ROLLBACK": true,
	"SAVEPOINT": true, "RELEASE": true, "GRANT": true, "REVOKE": true,
	"EXEC": true, "EXECUTE": true, "CALL": true, "MERGE": true,
	"TRANSACTION": true, "INTO": true, "RETURNING": true, "SET": true,
}

// lexQuery tokenizes a query body. Comments are skipped; unterminated
// strings and comments, unknown characters, and forbidden keywords
// are lexing errors.
func lexQuery(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '-' && i+1 < len(input) && input[i+1] == '-':
			for i < len(input) && input[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < len(input) && input[i+1] == '*':
			end := strings.Index(input[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			i += 2 + end + 2

		case c == '\'':
			text, next, err := lexSingleQuoted(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokenString, text: text, pos: i})
			i = next

		case c == '"':
			text, next, err := lexDoubleQuoted(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokenIdent, text: text, pos: i})
			i = next

		case isDigit(c):
			start := i
			for i < len(input) && (isDigit(input[i]) || input[i] == '.' || input[i] == 'e' || input[i] == 'E' ||
				((input[i] == '+' || input[i] == '-') && i > start && (input[i-1] == 'e' || input[i-1] == 'E'))) {
				i++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: input[start:i], pos: start})

		case isWordStart(c):
			start := i
			for i < len(input) && isWordChar(input[i]) {
				i++
			}
			word := input[start:i]
			upper := strings.ToUpper(word)
			if forbiddenKeywords[upper] {
				return nil, fmt.Errorf("disallowed keyword %s", upper)
			}
			if queryKeywords[upper] {
				tokens = append(tokens, token{kind: tokenKeyword, text: upper, pos: start})
			} else {
				tokens = append(tokens, token{kind: tokenIdent, text: word, pos: start})
			}

		default:
			punct, width := lexPunct(input, i)
			if width == 0 {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
			tokens = append(tokens, token{kind: tokenPunct, text: punct, pos: i})
			i += width
		}
	}
	tokens = append(tokens, token{kind: tokenEOF, pos: len(input)})
	return tokens, nil
}

// lexSingleQuoted reads a 'string' literal starting at input[start].
// The only escape is the doubled quote ('').
func lexSingleQuoted(input string, start int) (string, int, error) {
	var builder strings.Builder
	i := start + 1
	for i < len(input) {
		if input[i] == '\'' {
			if i+1 < len(input) && input[i+1] == '\'' {
				builder.WriteByte('\'')
				i += 2
				continue
			}
			return builder.String(), i + 1, nil
		}
		builder.WriteByte(input[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string literal at offset %d", start)
}

// lexDoubleQuoted reads a "quoted identifier" starting at
// input[start]. The only escape is the doubled quote ("").
func lexDoubleQuoted(input string, start int) (string, int, error) {
	var builder strings.Builder
	i := start + 1
	for i < len(input) {
		if input[i] == '"' {
			if i+1 < len(input) && input[i+1] == '"' {
				builder.WriteByte('"')
				i += 2
				continue
			}
			return builder.String(), i + 1, nil
		}
		builder.WriteByte(input[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated quoted identifier at offset %d", start)
}

// queryPunct lists every operator or delimiter the grammar admits,
// longest first so two-character operators win.
var queryPunct = []string{
	"<=", ">=", "<>", "!=", "||",
	"(", ")", ",", ";", "*", "/", "%", "+", "-", "=", "<", ">", ".",
}

func lexPunct(input string, i int) (string, int) {
	for _, p := range queryPunct {
		if strings.HasPrefix(input[i:], p) {
			return p, len(p)
		}
	}
	return "", 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordChar(c byte) bool {
	return isWordStart(c) || isDigit(c)
}
