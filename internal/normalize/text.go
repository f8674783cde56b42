// Package normalize holds the string canonicalizations used when
// matching configured role names against directory display names.
package normalize

import "strings"

// RoleKey canonicalizes a role display name for map lookups: trimmed,
// lowercased, inner whitespace collapsed. Graph returns display names
// with stable casing, but operator-supplied role lists do not.
func RoleKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// EqualRoleNames reports whether two display names refer to the same
// role regardless of casing or stray whitespace.
func EqualRoleNames(a, b string) bool {
	return RoleKey(a) == RoleKey(b)
}
