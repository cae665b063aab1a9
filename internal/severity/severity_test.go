package severity

import (
	"testing"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/models"
)

func TestDefaults(t *testing.T) {
	defaults := Defaults()
	if len(defaults) != 4 {
		t.Fatalf("expected 4 default severities, got %d", len(defaults))
	}

	seen := make(map[int]bool)
	for _, s := range defaults {
		if s.Value < 0 {
			t.Errorf("severity %s has negative value %d", s.Name, s.Value)
		}
		if seen[s.Value] {
			t.Errorf("duplicate severity value %d", s.Value)
		}
		seen[s.Value] = true
		if s.Color == "" {
			t.Errorf("severity %s has no color", s.Name)
		}
	}
}

func TestTable_Max(t *testing.T) {
	low := models.Severity{ID: uuid.New(), Name: "Low", Value: 1}
	high := models.Severity{ID: uuid.New(), Name: "High", Value: 3}
	table := NewTable([]models.Severity{low, high})

	max, ok := table.Max([]uuid.UUID{low.ID, high.ID})
	if !ok {
		t.Fatal("expected a max severity")
	}
	if max.Name != "High" {
		t.Errorf("expected High, got %s", max.Name)
	}

	if _, ok := table.Max([]uuid.UUID{uuid.New()}); ok {
		t.Error("expected no max for unknown ids")
	}
}

func TestTable_Sorted(t *testing.T) {
	severities := Defaults()
	severities[2].Archived = true // High
	table := NewTable(severities)

	sorted := table.Sorted()
	if len(sorted) != 3 {
		t.Fatalf("expected archived severity excluded, got %d entries", len(sorted))
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Value > sorted[i].Value {
			t.Error("severities not ordered by value")
		}
	}
}
