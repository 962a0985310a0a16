package reconciliation

import (
	"bytes"
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
)

// GenerateReconciliationReport renders a plain-text report of the records
// reconciled within [from, to]: a summary followed by every record that is
// not matched.
func (s *Service) GenerateReconciliationReport(ctx context.Context, tenantID string, from, to time.Time) (string, error) {
	records, err := s.store.ListReconciliations(ctx, tenantID, domain.ReconciliationFilter{DateFrom: from, DateTo: to})
	if err != nil {
		return "", fmt.Errorf("failed to list reconciliations: %w", err)
	}
	return RenderReport(Summarize(records, from, to), records, s.now()), nil
}

// RenderReport formats a summary and its records.
func RenderReport(sum *domain.ReconciliationSummary, records []*domain.Reconciliation, generatedAt time.Time) string {
	var buf bytes.Buffer

	fmt.Fprintln(&buf, "PAYMENT RECONCILIATION REPORT")
	fmt.Fprintf(&buf, "Period:    %s to %s\n", formatBound(sum.From, "beginning"), formatBound(sum.To, "now"))
	fmt.Fprintf(&buf, "Generated: %s\n\n", generatedAt.UTC().Format(time.RFC3339))

	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Total records\t%d\n", sum.Total)
	fmt.Fprintf(tw, "Matched\t%d\n", sum.Matched)
	fmt.Fprintf(tw, "Variances\t%d\n", sum.Variances)
	fmt.Fprintf(tw, "Exceptions\t%d\n", sum.Exceptions)
	fmt.Fprintf(tw, "Unmatched\t%d\n", sum.Unmatched)
	fmt.Fprintf(tw, "Resolved\t%d\n", sum.Resolved)
	fmt.Fprintf(tw, "Match rate\t%.1f%%\n", sum.MatchRate)
	fmt.Fprintf(tw, "Expected amount\t%s\n", sum.ExpectedAmount.StringFixed(2))
	fmt.Fprintf(tw, "Settled amount\t%s\n", sum.SettledAmount.StringFixed(2))
	fmt.Fprintf(tw, "Net difference\t%s\n", sum.NetDifference.StringFixed(2))
	fmt.Fprintf(tw, "Absolute variance\t%s\n", sum.AbsoluteVariance.StringFixed(2))
	tw.Flush()

	var open []*domain.Reconciliation
	for _, r := range records {
		if r.Status != domain.ReconMatched {
			open = append(open, r)
		}
	}

	fmt.Fprintln(&buf)
	if len(open) == 0 {
		fmt.Fprintln(&buf, "No discrepancies.")
		return buf.String()
	}

	fmt.Fprintln(&buf, "DISCREPANCIES")
	tw = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tPAYMENT\tBATCH\tOPENING\tCLOSING\tDIFFERENCE\tSTATUS\tREASON")
	for _, r := range open {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ReconciliationDate.UTC().Format(time.DateOnly),
			r.PaymentID,
			dash(r.BatchID),
			r.OpeningBalance.StringFixed(2),
			r.ClosingBalance.StringFixed(2),
			r.Difference.StringFixed(2),
			r.Status,
			dash(r.VarianceReason),
		)
	}
	tw.Flush()

	return buf.String()
}

func formatBound(t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return t.UTC().Format(time.DateOnly)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
