package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/platformbuilds/acs-core/internal/models"
)

// URI pattern grammar:
//
//	literal segments  match themselves, case-insensitively
//	*                 matches any sequence of characters, including '/'
//	?                 matches any single character
//	{name}            matches one non-empty segment without '/'; the name
//	                  is informational only
//
// Patterns are anchored at both ends. A URI matches iff the translated
// regex matches the whole URI.

// compiledPattern is a resource pattern translated to a regex once, at
// resource creation time, plus the specificity facts the evaluator uses to
// order reason chains.
type compiledPattern struct {
	raw           string
	re            *regexp.Regexp
	literalPrefix int // length of the leading literal run
	wildcards     int // count of *, ? and {name} tokens
}

// compilePattern translates the grammar above. Malformed patterns come
// back as Validation errors.
func compilePattern(pattern string) (*compiledPattern, error) {
	if err := models.ValidateURIPatternShape(pattern); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("(?i)^")

	cp := &compiledPattern{raw: pattern}
	prefixEnded := false
	runes := []rune(pattern)

	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			sb.WriteString(".*")
			cp.wildcards++
			prefixEnded = true
		case '?':
			sb.WriteString(".")
			cp.wildcards++
			prefixEnded = true
		case '{':
			end := i + 1
			for end < len(runes) && runes[end] != '}' {
				end++
			}
			name := string(runes[i+1 : end])
			if name == "" {
				return nil, models.NewValidationError("uriPattern", "empty capture name")
			}
			if isCaptureName(name) {
				fmt.Fprintf(&sb, "(?P<%s>[^/]+)", name)
			} else {
				sb.WriteString("([^/]+)")
			}
			cp.wildcards++
			prefixEnded = true
			i = end
		default:
			sb.WriteString(regexp.QuoteMeta(string(runes[i])))
			if !prefixEnded {
				cp.literalPrefix++
			}
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, models.NewValidationError("uriPattern", fmt.Sprintf("not translatable: %v", err))
	}
	cp.re = re
	return cp, nil
}

func (cp *compiledPattern) match(uri string) bool {
	return cp.re.MatchString(uri)
}

// specificity ranks patterns for reason-chain ordering only: a longer
// literal prefix dominates, fewer wildcards breaks ties. It never
// influences allow/deny combining.
func (cp *compiledPattern) specificity() int {
	return cp.literalPrefix*16 - cp.wildcards
}

// isCaptureName reports whether name is usable as a regex group name.
func isCaptureName(name string) bool {
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
