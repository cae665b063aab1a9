// Package severity holds the classification table rules reference and the
// helpers used to rank and filter findings by severity.
package severity

import (
	"sort"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/models"
)

// Defaults returns the built-in severity levels seeded on first start.
func Defaults() []models.Severity {
	return []models.Severity{
		{ID: uuid.New(), Name: "Low", Value: 1, Color: "#28a745"},
		{ID: uuid.New(), Name: "Medium", Value: 2, Color: "#ffc107"},
		{ID: uuid.New(), Name: "High", Value: 3, Color: "#fd7e14"},
		{ID: uuid.New(), Name: "Critical", Value: 4, Color: "#dc3545"},
	}
}

// Table is an in-memory severity lookup built from store rows.
type Table struct {
	byID map[uuid.UUID]models.Severity
}

func NewTable(severities []models.Severity) *Table {
	t := &Table{byID: make(map[uuid.UUID]models.Severity, len(severities))}
	for _, s := range severities {
		t.byID[s.ID] = s
	}
	return t
}

// Get returns the severity for an id, and whether it exists.
func (t *Table) Get(id uuid.UUID) (models.Severity, bool) {
	s, ok := t.byID[id]
	return s, ok
}

// Compare orders two severities by numeric value: negative when a < b.
func Compare(a, b models.Severity) int {
	return a.Value - b.Value
}

// Max returns the highest-valued severity among ids present in the table.
// The second return is false when none of the ids resolve.
func (t *Table) Max(ids []uuid.UUID) (models.Severity, bool) {
	var max models.Severity
	found := false
	for _, id := range ids {
		s, ok := t.byID[id]
		if !ok {
			continue
		}
		if !found || Compare(s, max) > 0 {
			max = s
			found = true
		}
	}
	return max, found
}

// Sorted returns the active (non-archived) severities ordered by value.
func (t *Table) Sorted() []models.Severity {
	out := make([]models.Severity, 0, len(t.byID))
	for _, s := range t.byID {
		if s.Archived {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
