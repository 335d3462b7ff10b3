package utils

import "strings"

// Match checks a resource path against a pattern. Patterns may be:
//   - "*"         matching anything
//   - "prefix/*"  matching any value that starts with "prefix"
//   - a ':' segment (e.g. "/user/:id/keys") matching one path segment
//   - anything else, matched literally
func Match(value, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		// keep the trailing slash so "/admin/*" does not match "/administrator"
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	if !strings.Contains(pattern, ":") {
		return value == pattern
	}
	return matchSegments(value, pattern)
}

// matchSegments matches segment-wise, treating ":name" segments as single
// wildcards. Both paths must have the same number of segments.
func matchSegments(value, pattern string) bool {
	vParts := strings.Split(value, "/")
	pParts := strings.Split(pattern, "/")
	if len(vParts) != len(pParts) {
		return false
	}
	for i := range pParts {
		if strings.HasPrefix(pParts[i], ":") {
			if vParts[i] == "" {
				return false
			}
			continue
		}
		if pParts[i] != vParts[i] {
			return false
		}
	}
	return true
}
