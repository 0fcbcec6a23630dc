package shaper

import (
	"regexp"
	"strings"
)

var (
	bracketIndex = regexp.MustCompile(`\[(\d+)\]`)
	repeatedUnderscore = regexp.MustCompile(`_+`)
	snakeFirstCap = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
	snakeAllCap   = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// ShapeName derives a metric's shape name from a dotted, possibly bracketed
// key (§4.9): extract every [digits] occurrence as an index value, fold
// remaining separators to underscores, collapse/trim, then camelCase to
// snake_case. Indexes are returned in order of appearance.
func ShapeName(key string) (name string, indexes []string) {
	for _, m := range bracketIndex.FindAllStringSubmatch(key, -1) {
		indexes = append(indexes, m[1])
	}
	stripped := bracketIndex.ReplaceAllString(key, "")

	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '.', '[', ']':
			return '_'
		default:
			return r
		}
	}, stripped)

	collapsed := repeatedUnderscore.ReplaceAllString(replaced, "_")
	trimmed := strings.Trim(collapsed, "_")

	return camelToSnake(trimmed), indexes
}

func camelToSnake(s string) string {
	s = snakeFirstCap.ReplaceAllString(s, "${1}_${2}")
	s = snakeAllCap.ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(s)
}
