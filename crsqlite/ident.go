// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Reserved clock column names.
const (
	// DeleteSentinel marks a clock record that tombstones a whole row.
	DeleteSentinel = "__crsql_del"
	// PKOnlySentinel marks a clock record for a row of a table that has no
	// columns besides its primary key.
	PKOnlySentinel = "__crsql_pko"

	clockSuffix = "__crsql_clock"
)

// EscapeIdent doubles embedded double quotes so the result can be placed
// between double quotes in generated SQL.
func EscapeIdent(ident string) string {
	return strings.ReplaceAll(ident, `"`, `""`)
}

// QuoteIdent returns ident quoted for direct embedding in SQL.
func QuoteIdent(ident string) string {
	return `"` + EscapeIdent(ident) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// RawColumns renders a select list of unary-plus column expressions.
// An expression has no declared type, so the sqlite3 driver hands back the
// stored value instead of converting BOOLEAN, DATE, DATETIME and TIMESTAMP
// columns to bool or time.Time.
func RawColumns(names ...string) string {
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = "+" + QuoteIdent(name)
	}
	return strings.Join(parts, ", ")
}

// ClockTableName returns the name of the clock table that tracks table.
func ClockTableName(table string) string {
	return table + clockSuffix
}

// validateIdent rejects identifiers that cannot be embedded into generated SQL.
func validateIdent(kind, s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: empty %s", ErrInvalidIdentifier, kind)
	case !utf8.ValidString(s):
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidIdentifier, kind)
	case strings.IndexByte(s, 0) >= 0:
		return fmt.Errorf("%w: %s contains NUL", ErrInvalidIdentifier, kind)
	}
	return nil
}

// isReservedColumn reports whether name collides with clock bookkeeping.
func isReservedColumn(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "__crsql_")
}

// WherePredicate builds the primary key equality predicate for a table whose
// key columns are pkCols, in order. Placeholders bind left to right.
func WherePredicate(pkCols []string) (string, error) {
	if len(pkCols) == 0 {
		return "", fmt.Errorf("%w: no primary key columns", ErrInvalidIdentifier)
	}
	parts := make([]string, len(pkCols))
	for i, col := range pkCols {
		if err := validateIdent("primary key column", col); err != nil {
			return "", err
		}
		parts[i] = QuoteIdent(col) + " = ?"
	}
	return strings.Join(parts, " AND "), nil
}

// countPlaceholders counts positional ? parameters in a SQL fragment,
// skipping quoted identifiers, string literals and comments.
func countPlaceholders(sql string) int {
	n := 0
	for i := 0; i < len(sql); i++ {
		switch c := sql[i]; c {
		case '?':
			n++
		case '\'', '"', '`':
			i = skipQuoted(sql, i, c)
		case '[':
			if j := strings.IndexByte(sql[i:], ']'); j >= 0 {
				i += j
			} else {
				i = len(sql)
			}
		case '-':
			if i+1 < len(sql) && sql[i+1] == '-' {
				if j := strings.IndexByte(sql[i:], '\n'); j >= 0 {
					i += j
				} else {
					i = len(sql)
				}
			}
		case '/':
			if i+1 < len(sql) && sql[i+1] == '*' {
				if j := strings.Index(sql[i+2:], "*/"); j >= 0 {
					i += j + 3
				} else {
					i = len(sql)
				}
			}
		}
	}
	return n
}

// skipQuoted returns the index of the closing quote of the token opened at
// sql[start]. A doubled quote is an escaped quote.
func skipQuoted(sql string, start int, q byte) int {
	for i := start + 1; i < len(sql); i++ {
		if sql[i] != q {
			continue
		}
		if i+1 < len(sql) && sql[i+1] == q {
			i++
			continue
		}
		return i
	}
	return len(sql)
}
