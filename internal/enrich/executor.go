package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tiktoken-go/tokenizer"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/thebtf/stocktake/pkg/catalog"
)

// Stats accumulates enrichment counters for one stage execution.
type Stats struct {
	Calls     int64 `json:"calls"`
	Retries   int64 `json:"retries"`
	Degraded  int64 `json:"degraded"`
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

// Executor runs per-item enrichment with bounded concurrency, global rate
// pacing, per-call timeouts and bounded exponential backoff on rate limits.
type Executor struct {
	enricher Enricher
	opts     Options
	limiter  *rate.Limiter
	codec    tokenizer.Codec
}

// NewExecutor wires an enricher into an executor.
func NewExecutor(e Enricher, opts Options) (*Executor, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	limit := rate.Inf
	burst := 1
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
		if opts.Workers > burst {
			burst = opts.Workers
		}
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Executor{
		enricher: e,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, burst),
		codec:    codec,
	}, nil
}

// Run enriches every item in the table. Writes are partitioned by item, so
// workers never touch the same record. The first non-degradable failure
// cancels outstanding work and is returned.
func (x *Executor) Run(ctx context.Context, tbl *catalog.Table) (Stats, error) {
	var calls, retries, degraded, tokensIn, tokensOut atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.Workers)
	for _, it := range tbl.Items() {
		g.Go(func() error {
			desc := it.Description()
			if desc == "" {
				return nil
			}
			tokensIn.Add(int64(x.countTokens(desc)))

			enriched, attempts, err := x.call(ctx, desc)
			calls.Add(int64(attempts))
			retries.Add(int64(attempts - 1))
			if err != nil {
				if errors.Is(err, ErrUnavailable) && x.opts.Passthrough {
					degraded.Add(1)
					it.EnrichedDesc = desc
					return nil
				}
				return fmt.Errorf("enrich item %s: %w", it.ID, err)
			}

			tokensOut.Add(int64(x.countTokens(enriched)))
			it.EnrichedDesc = enriched
			return nil
		})
	}
	err := g.Wait()

	return Stats{
		Calls:     calls.Load(),
		Retries:   retries.Load(),
		Degraded:  degraded.Load(),
		TokensIn:  tokensIn.Load(),
		TokensOut: tokensOut.Load(),
	}, err
}

// call issues one enrichment with retries. Returns the result and the total
// number of attempts made (>= 1).
func (x *Executor) call(ctx context.Context, desc string) (string, int, error) {
	backoff := time.Duration(x.opts.InitialBackoff)
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	attempts := 0
	for {
		if err := x.limiter.Wait(ctx); err != nil {
			return "", attempts + 1, err
		}

		attempts++
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout := time.Duration(x.opts.CallTimeout); timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		out, err := x.enricher.Enrich(callCtx, desc)
		cancel()

		if err == nil {
			return out, attempts, nil
		}
		if ctx.Err() != nil {
			return "", attempts, ctx.Err()
		}
		// A per-call timeout counts as rate limiting: slow calls must not
		// stall independent items.
		retryable := errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded)
		if !retryable {
			return "", attempts, err
		}
		if attempts > x.opts.MaxRetries {
			return "", attempts, fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)
		}

		select {
		case <-ctx.Done():
			return "", attempts, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (x *Executor) countTokens(text string) int {
	ids, _, err := x.codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}
