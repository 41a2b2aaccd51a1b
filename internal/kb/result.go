package kb

import (
	"encoding/json"
	"sort"
	"strings"
)

// Result is what a submission response told us. Identifiers are collected
// from every string value whose key contains "id", at any depth.
type Result struct {
	Identifiers []string
	Status      string
	Raw         []byte
}

// ParseResult reads a response body without assuming a schema. Bodies that
// are empty or not JSON yield a result without identifiers.
func ParseResult(data []byte) Result {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Result{}
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Result{Raw: data}
	}

	seen := make(map[string]struct{})
	var status string
	collect(doc, seen, &status)

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Result{Identifiers: ids, Status: status, Raw: data}
}

func collect(value any, ids map[string]struct{}, status *string) {
	switch v := value.(type) {
	case map[string]any:
		// Sorted so the last "status" seen is deterministic
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			nested := v[key]
			lower := strings.ToLower(key)
			if s, ok := nested.(string); ok {
				if strings.Contains(lower, "id") {
					ids[s] = struct{}{}
				} else if lower == "status" {
					*status = s
				}
			}
			collect(nested, ids, status)
		}
	case []any:
		for _, item := range v {
			collect(item, ids, status)
		}
	}
}
