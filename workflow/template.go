package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"forgehome.dev/core/kerrors"
)

// templateToken matches a single `{{ vars.path }}` expression, with
// optional surrounding whitespace.
var templateToken = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// parsedTemplate is a pre-split template string: literal runs and
// variable-path holes to fill in at expansion time.
type parsedTemplate struct {
	literal string // the original string, for the common no-token case
	holes   []templateHole
}

type templateHole struct {
	start, end int // byte offsets of the {{ ... }} token in literal
	path       string
}

// parseTemplate validates the `{{ vars.path }}` tokens in s without
// resolving them, so malformed syntax (missing "vars." prefix, empty
// path) surfaces as a definition error before any run executes.
func parseTemplate(s string) (parsedTemplate, error) {
	pt := parsedTemplate{literal: s}
	matches := templateToken.FindAllStringSubmatchIndex(s, -1)
	for _, m := range matches {
		path := s[m[2]:m[3]]
		if !strings.HasPrefix(path, "vars.") {
			return pt, kerrors.New(kerrors.KindUsage, fmt.Sprintf("template token %q must reference vars.<path>", s[m[0]:m[1]]))
		}
		if path == "vars." {
			return pt, kerrors.New(kerrors.KindUsage, "template token has an empty vars path")
		}
		pt.holes = append(pt.holes, templateHole{start: m[0], end: m[1], path: strings.TrimPrefix(path, "vars.")})
	}
	return pt, nil
}

// Expand replaces every `{{ vars.path }}` token in s with its value
// resolved from vars. Unknown paths expand to the empty string.
// Resolving to a non-scalar (map or slice) inside a larger string is
// an error; a template that is exactly one whole token may expand to
// any JSON-representable value, returned as-is without stringifying.
func Expand(s string, vars map[string]any) (any, error) {
	pt, err := parseTemplate(s)
	if err != nil {
		return nil, err
	}
	if len(pt.holes) == 0 {
		return s, nil
	}
	if len(pt.holes) == 1 && pt.holes[0].start == 0 && pt.holes[0].end == len(s) {
		val, found := resolvePath(vars, pt.holes[0].path)
		if !found {
			return "", nil
		}
		return val, nil
	}

	var b strings.Builder
	last := 0
	for _, h := range pt.holes {
		b.WriteString(s[last:h.start])
		val, found := resolvePath(vars, h.path)
		if !found {
			last = h.end
			continue
		}
		str, ok := scalarString(val)
		if !ok {
			return nil, kerrors.New(kerrors.KindUsage, fmt.Sprintf("template path vars.%s resolves to a non-scalar value and cannot be spliced into a string", h.path))
		}
		b.WriteString(str)
		last = h.end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	case nil:
		return "", true
	default:
		return "", false
	}
}

// resolvePath looks up a dot-separated path in a tree of
// map[string]any, returning the value and whether it was found.
func resolvePath(vars map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = vars
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// ExpandInputs recursively expands every string leaf of v against
// vars, leaving non-string leaves and structure untouched.
func ExpandInputs(v any, vars map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return Expand(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			expanded, err := ExpandInputs(e, vars)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			expanded, err := ExpandInputs(e, vars)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return t, nil
	}
}
