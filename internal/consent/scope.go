package consent

import "strings"

const wildcardSuffix = ".*"

// ScopeMatches reports whether a held scope satisfies a required scope.
//
// Exact string equality always matches. A held wildcard "domain.*"
// satisfies any required scope under that domain, including the wildcard
// itself. A non-wildcard held scope never satisfies a required wildcard.
// Matching is case-sensitive and performs no normalization; callers are
// responsible for canonical scope strings.
func ScopeMatches(held, required string) bool {
	if held == "" || required == "" {
		return false
	}
	if held == required {
		return true
	}
	if strings.HasSuffix(held, wildcardSuffix) {
		domain := strings.TrimSuffix(held, wildcardSuffix)
		return strings.HasPrefix(required, domain+".")
	}
	return false
}

// IsWildcardScope reports whether scope covers a whole domain.
func IsWildcardScope(scope string) bool {
	return strings.HasSuffix(scope, wildcardSuffix)
}

// ScopeDomain returns everything before the last dot-delimited segment,
// or the scope itself when it has no dot.
func ScopeDomain(scope string) string {
	idx := strings.LastIndex(scope, ".")
	if idx < 0 {
		return scope
	}
	return scope[:idx]
}
