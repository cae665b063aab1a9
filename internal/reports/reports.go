// Package reports renders PDF summaries of finished scan runs.
package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/models"
	"github.com/quillsec/quill/internal/severity"
	"github.com/quillsec/quill/internal/store"
)

// Store is the read surface a report needs.
type Store interface {
	GetScanRun(ctx context.Context, id uuid.UUID) (*models.ScanRun, error)
	GetScanVersion(ctx context.Context, id uuid.UUID) (*models.ScanVersion, error)
	GetScan(ctx context.Context, id uuid.UUID) (*models.Scan, error)
	GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	ListScanAssets(ctx context.Context, runID uuid.UUID) ([]models.ScanAsset, error)
	ListScanAssetFailures(ctx context.Context, runID uuid.UUID) ([]models.ScanAssetFailure, error)
	CountResultsForRun(ctx context.Context, runID uuid.UUID) (int, error)
	SummarizeRunFindings(ctx context.Context, runID uuid.UUID) ([]store.RuleFindingSummary, error)
	ListSeverities(ctx context.Context) ([]models.Severity, error)
}

type Generator struct {
	store Store
}

func NewGenerator(store Store) *Generator {
	return &Generator{store: store}
}

// RunReportPDF renders a one-run summary: outcome, per-severity finding
// counts, per-rule finding counts, and recorded failures.
func (g *Generator) RunReportPDF(ctx context.Context, runID uuid.UUID) ([]byte, error) {
	run, err := g.store.GetScanRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("scan run %s not found", runID)
	}
	version, err := g.store.GetScanVersion(ctx, run.ScanVersionID)
	if err != nil || version == nil {
		return nil, fmt.Errorf("loading scan version: %w", err)
	}
	scan, err := g.store.GetScan(ctx, version.ScanID)
	if err != nil || scan == nil {
		return nil, fmt.Errorf("loading scan: %w", err)
	}

	scanAssets, err := g.store.ListScanAssets(ctx, runID)
	if err != nil {
		return nil, err
	}
	resultCount, err := g.store.CountResultsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	summaries, err := g.store.SummarizeRunFindings(ctx, runID)
	if err != nil {
		return nil, err
	}
	severities, err := g.store.ListSeverities(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := g.store.ListScanAssetFailures(ctx, runID)
	if err != nil {
		return nil, err
	}

	table := severity.NewTable(severities)
	totalFindings := 0
	for _, s := range summaries {
		totalFindings += s.Count
	}

	pdf := NewPDFReport(fmt.Sprintf("Scan Report: %s", scan.Name))

	pdf.AddSection("Run Summary")
	pdf.AddKeyValues([][2]string{
		{"Status", string(run.Status)},
		{"Started", run.StartedAt.Format(time.RFC1123)},
		{"Duration", run.Duration(time.Now()).Round(time.Second).String()},
		{"Assets scanned", fmt.Sprintf("%d", len(scanAssets))},
		{"Results recorded", fmt.Sprintf("%d", resultCount)},
		{"Findings", fmt.Sprintf("%d", totalFindings)},
	})

	pdf.AddSection("Findings by Severity")
	pdf.AddChart(severityBars(summaries, table))

	if len(summaries) > 0 {
		pdf.AddSection("Findings by Rule")
		rows := make([][]string, 0, len(summaries))
		for _, s := range summaries {
			sevName := "Unknown"
			if sev, ok := table.Get(s.SeverityID); ok {
				sevName = sev.Name
			}
			rows = append(rows, []string{s.RuleName, sevName, fmt.Sprintf("%d", s.Count)})
		}
		pdf.AddTable([]string{"Rule", "Severity", "Findings"}, rows)
	}

	if len(failures) > 0 {
		pdf.AddSection(fmt.Sprintf("Failures (%d)", len(failures)))
		rows := make([][]string, 0, len(failures))
		assetNames := g.assetNamesByScanAsset(ctx, scanAssets)
		for _, f := range failures {
			rows = append(rows, []string{assetNames[f.ScanAssetID], string(f.ErrorKind), f.Message})
		}
		pdf.AddTable([]string{"Asset", "Kind", "Error"}, rows)
	} else {
		pdf.AddParagraph("No failures were recorded during this run.")
	}

	return pdf.Output()
}

// severityBars aggregates per-rule counts into one bar per severity level,
// highest first.
func severityBars(summaries []store.RuleFindingSummary, table *severity.Table) []ChartBar {
	counts := make(map[uuid.UUID]int)
	for _, s := range summaries {
		counts[s.SeverityID] += s.Count
	}

	ordered := table.Sorted()
	bars := make([]ChartBar, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		sev := ordered[i]
		bars = append(bars, ChartBar{
			Label: sev.Name,
			Value: counts[sev.ID],
			Color: hexToRGB(sev.Color),
		})
	}
	return bars
}

func (g *Generator) assetNamesByScanAsset(ctx context.Context, scanAssets []models.ScanAsset) map[uuid.UUID]string {
	names := make(map[uuid.UUID]string, len(scanAssets))
	for _, sa := range scanAssets {
		a, err := g.store.GetAsset(ctx, sa.AssetID)
		if err != nil || a == nil {
			names[sa.ID] = sa.AssetID.String()
			continue
		}
		names[sa.ID] = a.Name
	}
	return names
}

func hexToRGB(hex string) [3]int {
	var r, g, b int
	if _, err := fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return [3]int{108, 117, 125}
	}
	return [3]int{r, g, b}
}
