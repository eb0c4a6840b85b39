package engine

import "strings"

func replaceTableName(stmt, from, to string) string {
	return strings.Replace(stmt, "EXISTS "+from+" (", "EXISTS "+to+" (", 1)
}

// matchesFilter reports whether a comma separated context or label
// expression selects the active set. An empty expression or an empty
// active set always matches. Tokens prefixed with ! exclude.
func matchesFilter(expr string, active []string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" || len(active) == 0 {
		return true
	}
	set := make(map[string]bool, len(active))
	for _, a := range active {
		set[strings.ToLower(strings.TrimSpace(a))] = true
	}
	positive, hit := false, false
	for _, raw := range strings.Split(expr, ",") {
		tok := strings.ToLower(strings.TrimSpace(raw))
		if tok == "" {
			continue
		}
		if neg, ok := strings.CutPrefix(tok, "!"); ok {
			if set[strings.TrimSpace(neg)] {
				return false
			}
			continue
		}
		positive = true
		hit = hit || set[tok]
	}
	return hit || !positive
}
