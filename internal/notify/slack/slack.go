// Package slack posts reconcile reports to Slack via incoming webhooks.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/winnow/internal/triage"
)

const (
	maxHeaderLen   = 150
	maxListedNames = 20
	maxSectionLen  = 3000
	httpTimeout    = 10 * time.Second
)

// Notifier sends reconcile reports to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ triage.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, NotifyReconcile is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// NotifyReconcile posts a summary of report to the configured webhook.
func (n *Notifier) NotifyReconcile(ctx context.Context, report triage.ReconcileReport) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(report)
	//nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	n.logger.Info(ctx, "reconcile report posted to slack", "partition", report.Partition)
	return nil
}

func buildMessage(r triage.ReconcileReport) *slack.WebhookMessage {
	return &slack.WebhookMessage{
		Text: fmt.Sprintf("Reconcile of partition %s: %d of %d matched", r.Partition, r.Matched, r.Total),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			headerBlock(r),
			slack.NewDividerBlock(),
			fieldsBlock(r),
			slack.NewDividerBlock(),
			unmatchedBlock(r),
			slack.NewDividerBlock(),
			contextBlock(r),
		}},
	}
}

func headerBlock(r triage.ReconcileReport) *slack.HeaderBlock {
	text := fmt.Sprintf("%s Reconcile finished: partition %s", outcomeEmoji(r), r.Partition)
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncate(text, maxHeaderLen), false, false))
}

func fieldsBlock(r triage.ReconcileReport) *slack.SectionBlock {
	field := func(label string, v any) *slack.TextBlockObject {
		return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s:* %v", label, v), false, false)
	}
	fields := []*slack.TextBlockObject{
		field("Total", r.Total),
		field("Matched", r.Matched),
		field("Unmatched", r.Unmatched),
		field("Failed", r.Failed),
		field("Added", r.Added),
		field("Duration", fmt.Sprintf("%.1fs", r.FinishedAt.Sub(r.StartedAt).Seconds())),
	}
	return slack.NewSectionBlock(nil, fields, nil)
}

func unmatchedBlock(r triage.ReconcileReport) *slack.SectionBlock {
	var names []string
	skipped := 0
	for _, rec := range r.Records {
		if rec.Matched() {
			continue
		}
		if len(names) == maxListedNames {
			skipped++
			continue
		}
		names = append(names, "• "+rec.External.Name)
	}

	text := "_All entries matched._"
	if len(names) > 0 {
		text = "*Not matched*\n" + strings.Join(names, "\n")
		if skipped > 0 {
			text += fmt.Sprintf("\n_and %d more_", skipped)
		}
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, truncate(text, maxSectionLen), false, false), nil, nil)
}

func contextBlock(r triage.ReconcileReport) *slack.ContextBlock {
	ts := r.FinishedAt
	if ts.IsZero() {
		ts = r.StartedAt
	}
	text := fmt.Sprintf("winnow • partition %s • %s", r.Partition, ts.UTC().Format("2006-01-02 15:04 UTC"))
	return slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
}

func outcomeEmoji(r triage.ReconcileReport) string {
	switch {
	case r.Failed > 0:
		return "\U0001f534" // red circle
	case r.Unmatched > 0:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
