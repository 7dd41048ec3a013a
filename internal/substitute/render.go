// Package substitute rewrites placeholder tokens in the template project's
// configuration module with values from a build's configuration snapshot.
//
// A placeholder is the dotted path of a configuration leaf wrapped in double
// braces, e.g. {{SITE_CONFIG.siteName}}. Sites authored inside quotes
// ('{{P}}' or "{{P}}") are replaced together with their quotes; bare sites are
// only considered when no quoted site exists for that path.
package substitute

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrPartial reports placeholders that could not be resolved. It is never
// fatal to a build.
var ErrPartial = errors.New("substitution partial")

// leftoverPattern finds placeholder tokens that survived rendering.
var leftoverPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_$.\-]+)\s*\}\}`)

// Report describes what a render could not resolve.
type Report struct {
	// Unresolved lists config paths that had no placeholder site in the source.
	Unresolved []string
	// Leftover lists placeholder paths still present in the output.
	Leftover []string
}

// Partial reports whether anything was left unresolved.
func (r Report) Partial() bool {
	return len(r.Unresolved) > 0 || len(r.Leftover) > 0
}

// Err returns ErrPartial with details, or nil for a complete render.
func (r Report) Err() error {
	if !r.Partial() {
		return nil
	}
	return fmt.Errorf("%w: %d config paths without placeholder, %d placeholders left in output",
		ErrPartial, len(r.Unresolved), len(r.Leftover))
}

// sitePattern finds placeholder sites in a single left-to-right scan. A site
// is quoted only when the same quote character opens and closes it.
var sitePattern = regexp.MustCompile(`'\{\{([^{}]+)\}\}'|"\{\{([^{}]+)\}\}"|\{\{([^{}]+)\}\}`)

// site is one placeholder occurrence in the source.
type site struct {
	start, end int
	path       string
	quoted     bool
}

// Render substitutes every leaf of config into source. Sites are located in
// the source once, before any value is written, so substituted values are
// never scanned for placeholders. It does not modify config, and identical
// inputs always produce identical output.
func Render(source string, config map[string]any) (string, Report) {
	var report Report

	leaves := make(map[string]string)
	var paths []string
	collect(config, "", leaves, &paths)

	sites := findSites(source)
	quoted := make(map[string]bool)
	for _, s := range sites {
		if s.quoted {
			quoted[s.path] = true
		}
	}

	// Two-phase policy per path: quoted sites when any exist, bare otherwise.
	used := make(map[string]bool)
	var out, residue strings.Builder
	last := 0
	for _, s := range sites {
		replacement, ok := leaves[s.path]
		if !ok || s.quoted != quoted[s.path] {
			continue
		}
		out.WriteString(source[last:s.start])
		out.WriteString(replacement)
		residue.WriteString(source[last:s.start])
		residue.WriteByte('\n')
		last = s.end
		used[s.path] = true
	}
	out.WriteString(source[last:])
	residue.WriteString(source[last:])

	for _, path := range paths {
		if !used[path] {
			report.Unresolved = append(report.Unresolved, path)
		}
	}

	seen := make(map[string]bool)
	for _, m := range leftoverPattern.FindAllStringSubmatch(residue.String(), -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			report.Leftover = append(report.Leftover, m[1])
		}
	}
	sort.Strings(report.Leftover)

	return out.String(), report
}

// collect flattens config into dotted paths and their literals. paths keeps
// the sorted walk order so reports do not depend on map iteration.
func collect(obj map[string]any, prefix string, leaves map[string]string, paths *[]string) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if nested, ok := obj[key].(map[string]any); ok {
			collect(nested, path, leaves, paths)
			continue
		}

		*paths = append(*paths, path)
		// A leaf that cannot be rendered has no literal and stays unresolved.
		if replacement, err := literal(obj[key]); err == nil {
			leaves[path] = replacement
		}
	}
}

func findSites(source string) []site {
	matches := sitePattern.FindAllStringSubmatchIndex(source, -1)
	sites := make([]site, 0, len(matches))
	for _, m := range matches {
		s := site{start: m[0], end: m[1]}
		switch {
		case m[2] >= 0:
			s.path, s.quoted = source[m[2]:m[3]], true
		case m[4] >= 0:
			s.path, s.quoted = source[m[4]:m[5]], true
		default:
			s.path = source[m[6]:m[7]]
		}
		sites = append(sites, s)
	}
	return sites
}

// literal renders a leaf as source text: strings become single-quoted
// literals, everything else its JSON form.
func literal(v any) (string, error) {
	if s, ok := v.(string); ok {
		return quote(s), nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

var quoteReplacer = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\n", `\n`,
	"\r", `\r`,
	"\u2028", `\u2028`,
	"\u2029", `\u2029`,
)

func quote(s string) string {
	return "'" + quoteReplacer.Replace(s) + "'"
}
