// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Translator drafts a statement from an operator's plain-language
// request, using the schema cache to resolve table names. The output
// is a draft: the session validates it like any hand-written
// statement before it can execute, so the translator is free to be
// heuristic and wrong without being dangerous.
type Translator struct {
	schema SchemaSource

	// defaultLimit is appended to drafts that name no limit of their
	// own, keeping an open-ended draft from sweeping a whole table.
	defaultLimit int
}

// NewTranslator creates a Translator over a schema source.
func NewTranslator(schema SchemaSource, defaultLimit int) *Translator {
	if schema == nil {
		panic("query: NewTranslator requires a schema source")
	}
	if defaultLimit <= 0 {
		panic("query: NewTranslator requires a positive default limit")
	}
	return &Translator{schema: schema, defaultLimit: defaultLimit}
}

// Draft turns a request like "show the last 20 events" or "count
// devices" into a statement. Returns an error when no table in the
// schema matches the request; the operator then rephrases or writes
// the statement by hand.
func (t *Translator) Draft(ctx context.Context, request string) (string, error) {
	tables, err := t.schema.Tables(ctx)
	if err != nil {
		return "", err
	}
	if len(tables) == 0 {
		return "", fmt.Errorf("query: state database has no tables")
	}

	words := strings.Fields(strings.ToLower(request))
	if len(words) == 0 {
		return "", fmt.Errorf("query: empty request")
	}

	table, ok := matchTable(tables, words)
	if !ok {
		return "", fmt.Errorf("query: no table matches request %q", request)
	}

	counting := false
	limit := 0
	for i, word := range words {
		switch word {
		case "count", "many": // "how many devices"
			counting = true
		case "last", "latest", "first", "top":
			if i+1 < len(words) {
				if n, err := strconv.Atoi(words[i+1]); err == nil && n > 0 {
					limit = n
				}
			}
		}
		if n, err := strconv.Atoi(word); err == nil && n > 0 && limit == 0 {
			limit = n
		}
	}

	if counting {
		return fmt.Sprintf("SELECT count(*) AS n FROM %s", table.Name), nil
	}
	if limit == 0 {
		limit = t.defaultLimit
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", table.Name, limit), nil
}

// matchTable finds the first table whose name matches a request word,
// tolerating a trailing plural "s" in either direction.
func matchTable(tables []Table, words []string) (Table, bool) {
	for _, table := range tables {
		name := strings.ToLower(table.Name)
		for _, word := range words {
			if word == name ||
				word == name+"s" || word+"s" == name {
				return table, true
			}
		}
	}
	return Table{}, false
}
