package expressions

import (
	"encoding/json"
	"strings"
)

// TaskRefs extracts the IDs of all tasks referenced via ${{tasks.<id>.output...}}
// in a raw JSON params blob. The result is sorted and de-duplicated.
//
// The engine treats every referenced task as an implicit dependency of the
// referencing task, so a params blob that reads another task's output is
// guaranteed to execute after that task settles.
func TaskRefs(raw json.RawMessage) []string {
	refs := extractTaskRefs(string(raw))
	if len(refs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(refs))
	for id := range refs {
		ids = append(ids, id)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(ids); i++ {
		key := ids[i]
		j := i - 1
		for j >= 0 && ids[j] > key {
			ids[j+1] = ids[j]
			j--
		}
		ids[j+1] = key
	}
	return ids
}

// extractTaskRefs finds all task IDs referenced via ${{tasks.<id>.output...}} in a string.
func extractTaskRefs(s string) map[string]bool {
	refs := make(map[string]bool)
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		rest := s[idx+3:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			break
		}
		expr := strings.TrimSpace(rest[:closeIdx])
		if id, ok := taskIDFromExpr(expr); ok {
			refs[id] = true
		}
		s = rest[closeIdx+2:]
	}
	return refs
}

// taskIDFromExpr extracts the task ID from an expression like "tasks.<id>.output.url".
func taskIDFromExpr(expr string) (string, bool) {
	const prefix = "tasks."
	if !strings.HasPrefix(expr, prefix) {
		return "", false
	}
	rest := expr[len(prefix):]
	dotIdx := strings.IndexByte(rest, '.')
	var id string
	if dotIdx == -1 {
		id = rest
	} else {
		id = rest[:dotIdx]
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}
