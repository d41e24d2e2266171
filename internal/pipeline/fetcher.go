package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/archivist/internal/channels/discord"
	"github.com/haasonsaas/archivist/internal/observability"
)

// HistorySource serves channel history one page at a time, oldest first.
type HistorySource interface {
	FetchPage(ctx context.Context, channelID, afterID string, limit int) (*discord.Page, error)
}

// StopReason says why a fetch walk ended.
type StopReason string

const (
	StopCaughtUp      StopReason = "caught_up"
	StopBudget        StopReason = "budget"
	StopLeaseExpiring StopReason = "lease_expiring"
	StopFetchError    StopReason = "fetch_error"
	StopArchiveError  StopReason = "archive_error"
	StopCancelled     StopReason = "cancelled"
)

// Fetcher walks history forward from a cursor within a per-run budget.
type Fetcher struct {
	source   HistorySource
	pageSize int
	budget   int
	tracer   *observability.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// NewFetcher creates a Fetcher. budget caps messages fetched per walk.
func NewFetcher(source HistorySource, pageSize, budget int, tracer *observability.Tracer, logger *slog.Logger) *Fetcher {
	if pageSize <= 0 || pageSize > discord.MaxPageSize {
		pageSize = discord.MaxPageSize
	}
	if budget < pageSize {
		budget = pageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		source:   source,
		pageSize: pageSize,
		budget:   budget,
		tracer:   tracer,
		logger:   logger.With("component", "fetcher"),
		now:      time.Now,
	}
}

// pageVisitor consumes one page. Returning an error stops the walk.
type pageVisitor func(ctx context.Context, page *discord.Page) error

// walkResult summarizes a walk.
type walkResult struct {
	Pages   int
	Fetched int
	Reason  StopReason
}

// Walk fetches pages after cursor and hands each to visit until history is
// exhausted, the budget is spent, or stopBy passes. A zero stopBy never
// stops the walk. The returned error comes from fetching or from visit.
func (f *Fetcher) Walk(ctx context.Context, channelID, cursor string, stopBy time.Time, visit pageVisitor) (walkResult, error) {
	var res walkResult
	after := cursor
	if after == "" {
		// Snowflakes are positive, so "0" walks from the start of history.
		after = "0"
	}
	for {
		if ctx.Err() != nil {
			res.Reason = StopCancelled
			return res, ctx.Err()
		}
		if !stopBy.IsZero() && !f.now().Before(stopBy) {
			res.Reason = StopLeaseExpiring
			return res, nil
		}
		remaining := f.budget - res.Fetched
		if remaining <= 0 {
			res.Reason = StopBudget
			return res, nil
		}
		limit := min(f.pageSize, remaining)

		pageCtx, span := f.tracer.TraceHistoryPage(ctx, channelID, after, limit)
		page, err := f.source.FetchPage(pageCtx, channelID, after, limit)
		if err != nil {
			observability.RecordError(span, err)
			span.End()
			res.Reason = StopFetchError
			return res, err
		}
		span.End()

		res.Pages++
		res.Fetched += len(page.Messages) + page.Malformed
		if len(page.Messages) > 0 || page.Malformed > 0 {
			if err := visit(ctx, page); err != nil {
				res.Reason = StopArchiveError
				return res, err
			}
		}
		f.logger.Info("fetched page",
			"channel_id", channelID,
			"after", after,
			"messages", len(page.Messages),
			"malformed", page.Malformed,
			"page", res.Pages,
		)

		if !page.HasMore || page.LastID == "" {
			res.Reason = StopCaughtUp
			return res, nil
		}
		after = page.LastID
	}
}
