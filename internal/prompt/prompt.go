// Package prompt resolves placeholder tokens in module seed text.
package prompt

import (
	"regexp"
	"sort"
	"strings"
)

// ScrapedContent is the token filled with the extracted text of the content
// source.
const ScrapedContent = "scrapedContent"

var (
	tokenPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	// A whitespace-only run starting at a line boundary and ending in a line
	// break. Matches the blank-line cascades left behind by stripped markup.
	blankRunPattern = regexp.MustCompile(`(?m)^[\s\p{Zs}\x{FEFF}]*[\r\n]`)
)

// Token formats name as a placeholder.
func Token(name string) string {
	return "{" + name + "}"
}

// Resolve replaces every occurrence of each {name} token in template with
// its substitution. Substituted values are normalized first. Tokens without a
// substitution are left in place.
//
// Replacement is a single pass, so text introduced by a substitution is never
// itself scanned for tokens.
func Resolve(template string, substitutions map[string]string) string {
	if len(substitutions) == 0 {
		return template
	}

	names := make([]string, 0, len(substitutions))
	for name := range substitutions {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, 2*len(names))
	for _, name := range names {
		pairs = append(pairs, Token(name), Normalize(substitutions[name]))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Normalize collapses whitespace-only line runs into a single line break.
func Normalize(text string) string {
	return blankRunPattern.ReplaceAllString(text, "\n")
}

// Tokens lists the distinct placeholder names in template, in order of first
// appearance.
func Tokens(template string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range tokenPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Missing lists the tokens of template that substitutions does not cover.
func Missing(template string, substitutions map[string]string) []string {
	var out []string
	for _, name := range Tokens(template) {
		if _, ok := substitutions[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}
