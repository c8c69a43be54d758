// Package notify sends import completion e-mails through Resend.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"

	"github.com/moneta-app/moneta/pkg/money"
)

// CommitSummary is what a finished asynchronous import reports to the user.
// NetCents is the imported income minus expenses, in minor currency units.
type CommitSummary struct {
	Filename          string
	TotalProcessed    int
	Inserted          int
	Updated           int
	DuplicatesSkipped int
	NetCents          int64
	ErrorCount        int
}

// Notifier reports finished background imports. Implementations must be safe
// for concurrent use.
type Notifier interface {
	CommitCompleted(ctx context.Context, to string, summary CommitSummary) error
}

// ResendNotifier sends mail via the Resend API.
type ResendNotifier struct {
	client   *resend.Client
	from     string
	currency string
	logger   *slog.Logger
}

func NewResendNotifier(apiKey, from, currency string, logger *slog.Logger) *ResendNotifier {
	return &ResendNotifier{
		client:   resend.NewClient(apiKey),
		from:     from,
		currency: currency,
		logger:   logger,
	}
}

// summaryHTML renders the e-mail body, with the net amount formatted in the
// configured currency.
func summaryHTML(summary CommitSummary, currency string) string {
	return fmt.Sprintf(
		`<p>Your import of <strong>%s</strong> finished.</p>
<ul>
<li>Rows processed: %d</li>
<li>Inserted: %d</li>
<li>Updated: %d</li>
<li>Duplicates skipped: %d</li>
<li>Net amount: %s</li>
<li>Rows with errors: %d</li>
</ul>`,
		summary.Filename, summary.TotalProcessed, summary.Inserted,
		summary.Updated, summary.DuplicatesSkipped,
		money.Display(summary.NetCents, currency), summary.ErrorCount,
	)
}

func (n *ResendNotifier) CommitCompleted(ctx context.Context, to string, summary CommitSummary) error {
	html := summaryHTML(summary, n.currency)

	_, err := n.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    n.from,
		To:      []string{to},
		Subject: fmt.Sprintf("Import finished: %s", summary.Filename),
		Html:    html,
	})
	if err != nil {
		return fmt.Errorf("send commit notification: %w", err)
	}

	n.logger.Info("commit notification sent", slog.String("to", to))
	return nil
}

// NoopNotifier is used when no Resend API key is configured.
type NoopNotifier struct{}

func (NoopNotifier) CommitCompleted(context.Context, string, CommitSummary) error { return nil }
