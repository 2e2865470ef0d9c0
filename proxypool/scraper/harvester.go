package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"proxyhub/internal/shared/logger"
	"proxyhub/proxypool/model"
	"proxyhub/proxypool/storage"
	"proxyhub/proxypool/transport"
)

// Harvester fetches every source concurrently and persists the deduplicated candidates.
type Harvester struct {
	fetcher       transport.Fetcher
	output        *storage.CandidateFile
	sourceTimeout time.Duration
	workers       int
}

// NewHarvester creates a Harvester. workers <= 0 runs one goroutine per source with no cap.
func NewHarvester(fetcher transport.Fetcher, output *storage.CandidateFile, sourceTimeout time.Duration, workers int) *Harvester {
	return &Harvester{
		fetcher:       fetcher,
		output:        output,
		sourceTimeout: sourceTimeout,
		workers:       workers,
	}
}

// Harvest scrapes all sources and overwrites the candidate file with the result.
// A failing source contributes nothing; only cancellation of ctx or a write failure is returned.
func (h *Harvester) Harvest(ctx context.Context, sources []string) ([]model.Candidate, error) {
	scrapers := make([]Scraper, 0, len(sources))
	for _, src := range sources {
		scrapers = append(scrapers, NewURLSource(src, h.fetcher, h.sourceTimeout))
	}
	return h.Run(ctx, scrapers)
}

// Run is Harvest over arbitrary scrapers.
func (h *Harvester) Run(ctx context.Context, scrapers []Scraper) ([]model.Candidate, error) {
	l := logger.WithComponent("ProxyHub/Harvester")
	l.Info().Int("sources", len(scrapers)).Msg("Parsing from sources...")

	var (
		mu  sync.Mutex
		all []model.Candidate
	)

	g := new(errgroup.Group)
	if h.workers > 0 {
		g.SetLimit(h.workers)
	}
	for _, sc := range scrapers {
		sc := sc
		g.Go(func() error {
			found, err := sc.Scrape(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", sc.Name()).Msg("Source failed, skipping.")
				return nil
			}
			l.Debug().Str("source", sc.Name()).Int("count", len(found)).Msg("Source parsed.")

			mu.Lock()
			all = append(all, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("harvest interrupted: %w", err)
	}

	unique := storage.Dedupe(all)
	l.Info().Int("parsed", len(all)).Int("unique", len(unique)).Msg("Parsing finished.")

	if err := h.output.Save(unique); err != nil {
		return nil, fmt.Errorf("failed to save candidates: %w", err)
	}
	return unique, nil
}
