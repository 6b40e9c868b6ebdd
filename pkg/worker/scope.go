// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package worker

import (
	"net/url"
	"strings"
)

// ScopeMatches reports whether clientURL falls under scope. Scopes match by
// plain URL prefix.
func ScopeMatches(scope, clientURL string) bool {
	return strings.HasPrefix(clientURL, scope)
}

// MatchLongestScope returns the scope from scopes that matches clientURL
// with the longest prefix, or "" when none matches.
func MatchLongestScope(clientURL string, scopes []string) string {
	var match string
	for _, scope := range scopes {
		if ScopeMatches(scope, clientURL) && len(scope) > len(match) {
			match = scope
		}
	}
	return match
}

// OriginFromScope derives the canonical origin key, scheme://host[:port],
// from a scope URL.
func OriginFromScope(scope string) (string, error) {
	parsed, err := url.Parse(scope)
	if err != nil {
		return "", Error.New("invalid scope %q: %v", scope, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", Error.New("scope %q is not an absolute URL", scope)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
