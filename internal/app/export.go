package app

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"dcabot/internal/reconcile"
	"dcabot/internal/storage"
)

// holdingPoint is the running total after one filled purchase.
type holdingPoint struct {
	At       time.Time
	Invested decimal.Decimal
	Holdings decimal.Decimal
}

// Export writes the ledger as CSV and/or a PNG of cumulative investment.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	filter := storage.TxFilter{PlanID: opts.PlanID, Crypto: strings.ToUpper(opts.Crypto)}
	if opts.From != nil {
		filter.From = opts.From.UTC()
	}
	if opts.To != nil {
		filter.To = opts.To.UTC()
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return errors.New("from must be before to")
	}

	repo, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	txs, err := repo.Query(ctx, filter)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		a.Logger.Info().Msg("no transactions found for export window")
		return nil
	}

	if opts.CSVPath != "" {
		if err := writeTransactionsCSV(opts.CSVPath, txs); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		points := downsamplePoints(cumulative(txs), opts.MaxPoints)
		if len(points) < 2 {
			a.Logger.Warn().Int("points", len(points)).Msg("not enough filled purchases to chart")
		} else if err := writeHoldingsPNG(opts.PNGPath, points); err != nil {
			return err
		}
		a.Logger.Info().Int("total", len(txs)).Int("charted", len(points)).Msg("exported chart")
	}

	return nil
}

// cumulative folds filled rows, oldest first, into running totals.
func cumulative(txs []storage.Transaction) []holdingPoint {
	points := make([]holdingPoint, 0, len(txs))
	invested, holdings := decimal.Zero, decimal.Zero
	for _, tx := range txs {
		if tx.Status != storage.StatusCompleted && tx.Status != storage.StatusPartial {
			continue
		}
		invested = invested.Add(tx.FiatAmount)
		holdings = holdings.Add(tx.CryptoAmount)
		points = append(points, holdingPoint{At: tx.ExecutedAt, Invested: invested, Holdings: holdings})
	}
	return points
}

func downsamplePoints(points []holdingPoint, max int) []holdingPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]holdingPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeTransactionsCSV(path string, txs []storage.Transaction) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return reconcile.WriteCSV(file, txs)
}

func writeHoldingsPNG(path string, points []holdingPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	invested := make([]float64, len(points))
	holdings := make([]float64, len(points))

	for i, p := range points {
		x[i] = p.At
		invested[i] = p.Invested.InexactFloat64()
		holdings[i] = p.Holdings.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Invested (fiat)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Holdings (crypto)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.6f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Invested",
				XValues: x,
				YValues: invested,
			},
			chart.TimeSeries{
				Name:    "Holdings",
				XValues: x,
				YValues: holdings,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
