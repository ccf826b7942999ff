package storage

import "strings"

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func eq(field, value string) string {
	return field + " eq " + quote(value)
}

func and(clauses ...string) string {
	return strings.Join(clauses, " and ")
}
