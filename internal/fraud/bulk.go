package fraud

import (
	"context"
	"sync"

	"github.com/opensource-finance/fieldpay/internal/domain"
)

// BatchOutcome is the result of analysing one payment of a bulk request.
type BatchOutcome struct {
	PaymentID string                 `json:"paymentId"`
	Result    *domain.AnalysisResult `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`

	Err error `json:"-"`
}

// AnalyzeBatch analyses many payments on a bounded worker pool. Outcomes are
// returned in input order; a failure for one payment does not affect the
// others.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, tenantID string, actor domain.Actor, paymentIDs []string) []BatchOutcome {
	outcomes := make([]BatchOutcome, len(paymentIDs))
	if len(paymentIDs) == 0 {
		return outcomes
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := min(a.bulkWorkers, len(paymentIDs))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				id := paymentIDs[idx]
				out := BatchOutcome{PaymentID: id}

				res, err := a.AnalyzePayment(ctx, tenantID, actor, id)
				if err != nil {
					out.Err = err
					out.Error = err.Error()
				} else {
					out.Result = res
				}
				outcomes[idx] = out
			}
		}()
	}

	for i := range paymentIDs {
		jobs <- i
	}
	close(jobs)

	wg.Wait()
	return outcomes
}
