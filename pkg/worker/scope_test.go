// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package worker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"storj.io/swreg/pkg/worker"
)

func TestMatchLongestScope(t *testing.T) {
	scopes := []string{
		"https://example.com/a/",
		"https://example.com/a/b/",
		"https://example.com/other/",
	}

	tests := []struct {
		clientURL string
		expected  string
	}{
		{"https://example.com/a/b/c", "https://example.com/a/b/"},
		{"https://example.com/a/page", "https://example.com/a/"},
		{"https://example.com/other/x/y", "https://example.com/other/"},
		{"https://example.com/unrelated", ""},
		{"https://elsewhere.com/a/b/c", ""},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected,
			worker.MatchLongestScope(test.clientURL, scopes), test.clientURL)
	}
}

func TestOriginFromScope(t *testing.T) {
	origin, err := worker.OriginFromScope("https://example.com/app/")
	assert.NoError(t, err)
	assert.Equal(t, "https://example.com", origin)

	origin, err = worker.OriginFromScope("http://localhost:8000/")
	assert.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", origin)

	_, err = worker.OriginFromScope("not a url")
	assert.Error(t, err)
}
