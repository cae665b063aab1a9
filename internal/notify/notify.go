// Package notify pushes run completion alerts to Slack and email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/config"
	"github.com/quillsec/quill/internal/models"
	"github.com/quillsec/quill/internal/severity"
	"github.com/quillsec/quill/internal/store"
)

// Store is the read surface used to build an alert.
type Store interface {
	GetScanVersion(ctx context.Context, id uuid.UUID) (*models.ScanVersion, error)
	GetScan(ctx context.Context, id uuid.UUID) (*models.Scan, error)
	ListScanAssets(ctx context.Context, runID uuid.UUID) ([]models.ScanAsset, error)
	SummarizeRunFindings(ctx context.Context, runID uuid.UUID) ([]store.RuleFindingSummary, error)
	ListSeverities(ctx context.Context) ([]models.Severity, error)
}

type Service struct {
	config config.NotificationsConfig
	store  Store
	logger *slog.Logger
	client *http.Client

	// swappable in tests
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(cfg config.NotificationsConfig, st Store, logger *slog.Logger) *Service {
	return &Service{
		config:   cfg,
		store:    st,
		logger:   logger.With("component", "notify"),
		client:   &http.Client{Timeout: 10 * time.Second},
		sendMail: smtp.SendMail,
	}
}

// alert is the flattened payload both channels render.
type alert struct {
	ScanName      string
	Status        models.ScanRunStatus
	Duration      time.Duration
	AssetCount    int
	FindingCount  int
	TopSeverity   *models.Severity
	RuleSummaries []store.RuleFindingSummary
}

// ScanRunFinished builds and sends an alert for a terminal run. Failed and
// cancelled runs always alert; completed runs alert only when the highest
// finding severity reaches the configured floor. Errors are logged, not
// returned, so a broken webhook never affects the scan itself.
func (s *Service) ScanRunFinished(ctx context.Context, run *models.ScanRun) {
	if !s.config.Slack.Enabled && !s.config.Email.Enabled {
		return
	}

	a, err := s.buildAlert(ctx, run)
	if err != nil {
		s.logger.Error("building run alert failed", "run_id", run.ID, "error", err)
		return
	}
	if !s.shouldAlert(run.Status, a.TopSeverity) {
		return
	}

	if s.config.Slack.Enabled {
		if err := s.sendSlack(ctx, a); err != nil {
			s.logger.Error("slack notification failed", "run_id", run.ID, "error", err)
		}
	}
	if s.config.Email.Enabled {
		if err := s.sendEmail(a); err != nil {
			s.logger.Error("email notification failed", "run_id", run.ID, "error", err)
		}
	}
}

func (s *Service) shouldAlert(status models.ScanRunStatus, top *models.Severity) bool {
	if status == models.ScanRunFailed || status == models.ScanRunPartial || status == models.ScanRunCancelled {
		return true
	}
	return top != nil && top.Value >= s.config.MinSeverityValue
}

func (s *Service) buildAlert(ctx context.Context, run *models.ScanRun) (*alert, error) {
	version, err := s.store.GetScanVersion(ctx, run.ScanVersionID)
	if err != nil || version == nil {
		return nil, fmt.Errorf("loading scan version: %w", err)
	}
	scan, err := s.store.GetScan(ctx, version.ScanID)
	if err != nil || scan == nil {
		return nil, fmt.Errorf("loading scan: %w", err)
	}
	scanAssets, err := s.store.ListScanAssets(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	summaries, err := s.store.SummarizeRunFindings(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	severities, err := s.store.ListSeverities(ctx)
	if err != nil {
		return nil, err
	}

	table := severity.NewTable(severities)
	a := &alert{
		ScanName:      scan.Name,
		Status:        run.Status,
		Duration:      run.Duration(time.Now()).Round(time.Second),
		AssetCount:    len(scanAssets),
		RuleSummaries: summaries,
	}
	ids := make([]uuid.UUID, 0, len(summaries))
	for _, sum := range summaries {
		a.FindingCount += sum.Count
		ids = append(ids, sum.SeverityID)
	}
	if top, ok := table.Max(ids); ok {
		a.TopSeverity = &top
	}
	return a, nil
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *Service) sendSlack(ctx context.Context, a *alert) error {
	color := "#36A64F"
	topSeverity := "none"
	if a.TopSeverity != nil {
		color = a.TopSeverity.Color
		topSeverity = a.TopSeverity.Name
	}
	if a.Status == models.ScanRunFailed {
		color = "#dc3545"
	}

	title := fmt.Sprintf("Scan %q finished: %s", a.ScanName, a.Status)
	msg := slackMessage{
		Channel:  s.config.Slack.Channel,
		Username: "quill",
		Attachments: []slackAttachment{{
			Color:    color,
			Title:    title,
			Text:     fmt.Sprintf("%d findings across %d assets in %s", a.FindingCount, a.AssetCount, a.Duration),
			Fallback: title,
			Fields: []slackField{
				{Title: "Status", Value: string(a.Status), Short: true},
				{Title: "Findings", Value: fmt.Sprintf("%d", a.FindingCount), Short: true},
				{Title: "Assets", Value: fmt.Sprintf("%d", a.AssetCount), Short: true},
				{Title: "Top Severity", Value: topSeverity, Short: true},
			},
			Footer:    "quill scanner",
			Timestamp: time.Now().Unix(),
		}},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent", "scan", a.ScanName, "status", a.Status)
	return nil
}

func (s *Service) sendEmail(a *alert) error {
	subject := fmt.Sprintf("[quill] Scan %q finished: %s", a.ScanName, a.Status)
	body := s.formatEmailBody(a)

	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	if err := s.sendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg.String())); err != nil {
		return err
	}

	s.logger.Info("email notification sent", "scan", a.ScanName, "recipients", len(s.config.Email.To))
	return nil
}

func (s *Service) formatEmailBody(a *alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scan %q finished with status %s.\r\n\r\n", a.ScanName, a.Status)
	fmt.Fprintf(&b, "Assets scanned: %d\r\n", a.AssetCount)
	fmt.Fprintf(&b, "Findings:       %d\r\n", a.FindingCount)
	fmt.Fprintf(&b, "Duration:       %s\r\n", a.Duration)
	if a.TopSeverity != nil {
		fmt.Fprintf(&b, "Top severity:   %s\r\n", a.TopSeverity.Name)
	}
	if len(a.RuleSummaries) > 0 {
		b.WriteString("\r\nFindings by rule:\r\n")
		for _, sum := range a.RuleSummaries {
			fmt.Fprintf(&b, "  %-40s %d\r\n", sum.RuleName, sum.Count)
		}
	}
	return b.String()
}
