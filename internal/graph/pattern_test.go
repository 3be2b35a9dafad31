package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/acs-core/internal/models"
)

func TestCompilePattern_Matching(t *testing.T) {
	tests := []struct {
		pattern string
		uri     string
		want    bool
	}{
		// Literals are case-insensitive.
		{"/docs/readme", "/docs/readme", true},
		{"/docs/readme", "/DOCS/README", true},
		{"/docs/readme", "/docs/readme2", false},

		// * matches any sequence, including '/'.
		{"/api/*", "/api/users/42", true},
		{"/api/*", "/api/", true},
		{"/api/*", "/apiv2/x", false},
		{"*", "/anything/at/all", true},

		// ? matches exactly one character.
		{"/v?/users", "/v1/users", true},
		{"/v?/users", "/v12/users", false},

		// {name} matches one non-empty segment without '/'.
		{"/users/{id}/docs", "/users/42/docs", true},
		{"/users/{id}/docs", "/users/42/7/docs", false},
		{"/users/{id}/docs", "/users//docs", false},

		// Anchored at both ends.
		{"/docs", "/docs/readme", false},
		{"docs", "/docs", false},

		// Regex metacharacters in literals are inert.
		{"/a.b/c", "/a.b/c", true},
		{"/a.b/c", "/axb/c", false},
	}

	for _, tt := range tests {
		cp, err := compilePattern(tt.pattern)
		require.NoError(t, err, "pattern %q", tt.pattern)
		assert.Equal(t, tt.want, cp.match(tt.uri), "pattern %q vs uri %q", tt.pattern, tt.uri)
	}
}

func TestCompilePattern_Invalid(t *testing.T) {
	for _, pattern := range []string{"", "/a/{", "/a/{}/b", "/a/{x}}/b"} {
		_, err := compilePattern(pattern)
		require.Error(t, err, "pattern %q", pattern)
		assert.True(t, models.IsValidation(err))
	}
}

func TestCompilePattern_Specificity(t *testing.T) {
	exact, err := compilePattern("/docs/secret")
	require.NoError(t, err)
	broad, err := compilePattern("/docs/*")
	require.NoError(t, err)
	broader, err := compilePattern("/*")
	require.NoError(t, err)

	assert.Greater(t, exact.specificity(), broad.specificity(),
		"literal pattern outranks wildcard")
	assert.Greater(t, broad.specificity(), broader.specificity(),
		"longer literal prefix outranks shorter")
}

func TestCompilePattern_CaptureNames(t *testing.T) {
	// Valid identifiers become named groups; anything else still matches
	// as an anonymous segment.
	for _, pattern := range []string{"/u/{id}", "/u/{user_id}", "/u/{user-id}", "/u/{42}"} {
		cp, err := compilePattern(pattern)
		require.NoError(t, err, "pattern %q", pattern)
		assert.True(t, cp.match("/u/abc"), "pattern %q", pattern)
	}
}
