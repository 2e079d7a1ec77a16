package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dcabot/internal/exchange"
	"dcabot/internal/storage"
)

const defaultMaxPages = 10000

// Progress is one step of an API import. The concrete types are Fetching,
// Deduplicating, Importing, Complete and Failed.
type Progress interface {
	progress()
}

// Fetching is emitted before page Page is requested; Total counts the buys
// fetched so far.
type Fetching struct {
	Page  int
	Total int
}

// Deduplicating is emitted with the number of buys on the fetched page.
type Deduplicating struct {
	Count int
}

// Importing is emitted before unseen buys are written.
type Importing struct {
	New int
}

// Complete ends a successful import.
type Complete struct {
	Imported int
	Skipped  int
}

// Failed ends an import that stopped early. Pages before the failure stay
// committed.
type Failed struct {
	Message string
}

func (Fetching) progress()      {}
func (Deduplicating) progress() {}
func (Importing) progress()     {}
func (Complete) progress()      {}
func (Failed) progress()        {}

// Summary counts what an import did.
type Summary struct {
	Parsed   int
	Imported int
	Skipped  int
	Pages    int
}

// Options pace API imports.
type Options struct {
	// PageRate is the number of history pages fetched per second; zero
	// means unlimited.
	PageRate    float64
	PageTimeout time.Duration
	MaxPages    int
}

// Importer writes deduplicated candidates to the ledger.
type Importer struct {
	ledger storage.Ledger
	opts   Options
	logger zerolog.Logger
}

// NewImporter builds an Importer.
func NewImporter(ledger storage.Ledger, opts Options, logger zerolog.Logger) *Importer {
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 30 * time.Second
	}
	return &Importer{
		ledger: ledger,
		opts:   opts,
		logger: logger.With().Str("component", "importer").Logger(),
	}
}

func (im *Importer) knownKeys(ctx context.Context, plan storage.Plan) (*KeySet, error) {
	planID := plan.ID
	existing, err := im.ledger.Query(ctx, storage.TxFilter{PlanID: &planID})
	if err != nil {
		return nil, fmt.Errorf("load existing transactions: %w", err)
	}
	return KeysFrom(existing), nil
}

// ImportCSV parses r in the named format and appends the unseen buys for
// plan in one batch. A malformed row aborts before anything is written.
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader, format string, plan storage.Plan) (Summary, error) {
	var summary Summary
	parser, err := ParserFor(format)
	if err != nil {
		return summary, err
	}
	cands, err := parser.Parse(r, exchange.NewPair(plan.Crypto, plan.Fiat))
	if err != nil {
		return summary, err
	}
	summary.Parsed = len(cands)

	keys, err := im.knownKeys(ctx, plan)
	if err != nil {
		return summary, err
	}
	fresh, skipped := Partition(cands, keys)
	summary.Skipped = len(skipped)

	txs := ToEntities(fresh, plan.ID, plan.Venue, NewKeySet())
	n, err := im.ledger.AppendBatch(ctx, txs)
	if err != nil {
		return summary, fmt.Errorf("append imported transactions: %w", err)
	}
	summary.Imported = n
	im.logger.Info().Int64("plan_id", plan.ID).Str("format", format).
		Int("parsed", summary.Parsed).Int("imported", summary.Imported).Int("skipped", summary.Skipped).
		Msg("csv import finished")
	return summary, nil
}

// ImportFromAPI walks client's trade history for plan's pair and appends
// unseen buys page by page. progress may be nil. On a page error the import
// stops, emits Failed and returns the error with the counts so far.
func (im *Importer) ImportFromAPI(ctx context.Context, client exchange.Client, plan storage.Plan, progress func(Progress)) (Summary, error) {
	emit := func(p Progress) {
		if progress != nil {
			progress(p)
		}
	}
	var summary Summary
	fail := func(err error) (Summary, error) {
		emit(Failed{Message: err.Error()})
		im.logger.Error().Err(err).Int64("plan_id", plan.ID).Int("pages", summary.Pages).
			Int("imported", summary.Imported).Msg("api import stopped")
		return summary, err
	}

	keys, err := im.knownKeys(ctx, plan)
	if err != nil {
		return fail(err)
	}

	limit := rate.Inf
	if im.opts.PageRate > 0 {
		limit = rate.Limit(im.opts.PageRate)
	}
	limiter := rate.NewLimiter(limit, 1)
	pair := exchange.NewPair(plan.Crypto, plan.Fiat)

	token := ""
	for page := 1; ; page++ {
		if page > im.opts.MaxPages {
			im.logger.Warn().Int("max_pages", im.opts.MaxPages).Msg("page cap reached, stopping import")
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			return fail(err)
		}
		emit(Fetching{Page: page, Total: summary.Parsed})

		pageCtx, cancel := context.WithTimeout(ctx, im.opts.PageTimeout)
		result, err := client.GetTradeHistory(pageCtx, pair, token)
		cancel()
		if err != nil {
			return fail(fmt.Errorf("fetch page %d: %w", page, err))
		}
		summary.Pages = page

		buys := make([]Candidate, 0, len(result.Trades))
		for _, t := range result.Trades {
			if t.Side != exchange.SideBuy || t.Pair != pair {
				continue
			}
			buys = append(buys, FromTrade(t))
		}
		summary.Parsed += len(buys)

		if len(buys) > 0 {
			emit(Deduplicating{Count: len(buys)})
			fresh, skipped := Partition(buys, keys)
			summary.Skipped += len(skipped)
			if len(fresh) > 0 {
				emit(Importing{New: len(fresh)})
				n, err := im.ledger.AppendBatch(ctx, ToEntities(fresh, plan.ID, plan.Venue, NewKeySet()))
				if err != nil {
					return fail(fmt.Errorf("append page %d: %w", page, err))
				}
				summary.Imported += n
			}
		}

		if result.NextToken == "" {
			break
		}
		if result.NextToken == token {
			return fail(errors.New("venue returned the same page token twice"))
		}
		token = result.NextToken
	}

	emit(Complete{Imported: summary.Imported, Skipped: summary.Skipped})
	im.logger.Info().Int64("plan_id", plan.ID).Str("venue", client.Name()).Int("pages", summary.Pages).
		Int("imported", summary.Imported).Int("skipped", summary.Skipped).Msg("api import finished")
	return summary, nil
}
