// Package pathutil composes outbound URLs: segment joining, path template
// substitution and query string building.
package pathutil

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// JoinSegments joins URL parts with single slashes.
//
// Empty parts are skipped. The first part keeps its own prefix and only loses
// trailing slashes; later parts are trimmed on both sides. Runs of slashes
// inside a part collapse to one, except the "//" after a URL scheme. A final
// part that starts with "?" is a query fragment and is appended as is.
func JoinSegments(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return ""
	}

	query := ""
	if last := kept[len(kept)-1]; strings.HasPrefix(last, "?") {
		query = last
		kept = kept[:len(kept)-1]
	}

	var b strings.Builder
	for i, p := range kept {
		if i == 0 {
			b.WriteString(collapseBase(strings.TrimRight(p, "/")))
			continue
		}
		p = collapseSlashes(strings.Trim(p, "/"))
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	b.WriteString(query)
	return b.String()
}

// collapseBase collapses slash runs in base, leaving a scheme's "//" alone.
func collapseBase(base string) string {
	if i := strings.Index(base, "://"); i >= 0 {
		return base[:i+3] + collapseSlashes(base[i+3:])
	}
	return collapseSlashes(base)
}

func collapseSlashes(s string) string {
	if !strings.Contains(s, "//") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prev := byte(0)
	for i := 0; i < len(s); i++ {
		if s[i] == '/' && prev == '/' {
			continue
		}
		prev = s[i]
		b.WriteByte(s[i])
	}
	return b.String()
}

// SubstitutePathTemplate replaces every ":key" in template with the string form
// of vars[key]. Longer keys are applied first so ":id" never clobbers ":idx".
// Placeholders without a matching key are left intact.
func SubstitutePathTemplate(template string, vars map[string]any) string {
	if len(vars) == 0 {
		return template
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	out := template
	for _, k := range keys {
		out = strings.ReplaceAll(out, ":"+k, Stringify(vars[k]))
	}
	return out
}

// BuildQueryString encodes query as "?k=v&k2=v2". Keys are emitted in sorted
// order, slice values produce one pair per element and nil values are omitted.
// It returns "" when no pair was emitted.
func BuildQueryString(query map[string]any) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	add := func(k string, v any) {
		if v == nil {
			return
		}
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(Stringify(v)))
	}
	for _, k := range keys {
		switch v := query[k].(type) {
		case nil:
		case []string:
			for _, s := range v {
				add(k, s)
			}
		case []any:
			for _, s := range v {
				add(k, s)
			}
		default:
			add(k, v)
		}
	}
	if len(pairs) == 0 {
		return ""
	}
	return "?" + strings.Join(pairs, "&")
}

// QueryFromValues adapts parsed query parameters for BuildQueryString.
func QueryFromValues(values url.Values) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// HeaderFrom builds a header set from loosely typed values. Slice values add
// one header value per element; nil values are skipped.
func HeaderFrom(values map[string]any) http.Header {
	h := make(http.Header, len(values))
	for k, v := range values {
		switch vv := v.(type) {
		case nil:
		case []string:
			for _, s := range vv {
				h.Add(k, s)
			}
		case []any:
			for _, s := range vv {
				if s != nil {
					h.Add(k, Stringify(s))
				}
			}
		default:
			h.Set(k, Stringify(vv))
		}
	}
	return h
}

// Stringify is the one scalar-to-string conversion used for query values,
// path variables and header values.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case int8:
		return strconv.FormatInt(int64(s), 10)
	case int16:
		return strconv.FormatInt(int64(s), 10)
	case int32:
		return strconv.FormatInt(int64(s), 10)
	case int64:
		return strconv.FormatInt(s, 10)
	case uint:
		return strconv.FormatUint(uint64(s), 10)
	case uint8:
		return strconv.FormatUint(uint64(s), 10)
	case uint16:
		return strconv.FormatUint(uint64(s), 10)
	case uint32:
		return strconv.FormatUint(uint64(s), 10)
	case uint64:
		return strconv.FormatUint(s, 10)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}
