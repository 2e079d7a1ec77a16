package reconcile

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/exchange"
	"dcabot/internal/schedule"
	"dcabot/internal/storage"
	"dcabot/internal/strategy"
)

const coinmateExport = `ID;Date;Type;Amount;Amount Currency;Price;Price Currency;Fee;Fee Currency;Total;Total Currency;Description;Status
1001;2025-01-05 09:00:12;MARKET_BUY;0.00052;BTC;96000;EUR;0.05;EUR;-50.00;EUR;"buy; daily";OK
1002;2025-01-06 09:00:40;MARKET_BUY;0.00055;BTC;90500;EUR;0.05;EUR;-50.00;EUR;;OK
1003;2025-01-07 09:00:05;MARKET_SELL;0.00055;BTC;91000;EUR;0.05;EUR;50.00;EUR;;OK
1004;2025-01-08 09:00:05;MARKET_BUY;0.00055;BTC;91000;EUR;0.05;EUR;-50.00;EUR;;CANCELLED
1005;2025-01-09 09:00:05;MARKET_BUY;0.015;ETH;3300;EUR;0.05;EUR;-50.00;EUR;;OK
1006;2025-01-10 09:00:05;MARKET_BUY;0.00054;BTC;92000;EUR;0.05;EUR;-50.00;EUR;;OK
`

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func btcEUR() exchange.Pair { return exchange.NewPair("BTC", "EUR") }

func testPlan(t *testing.T, store *storage.Memory) storage.Plan {
	t.Helper()
	p := storage.Plan{
		Venue:     "coinmate",
		Crypto:    "BTC",
		Fiat:      "EUR",
		Amount:    decimal.NewFromInt(50),
		Frequency: schedule.Daily,
		Strategy:  strategy.Classic{},
		Enabled:   true,
	}
	require.NoError(t, store.SavePlan(context.Background(), &p))
	return p
}

func TestCoinmateParser(t *testing.T) {
	cands, err := CoinmateParser{}.Parse(strings.NewReader(coinmateExport), btcEUR())
	require.NoError(t, err)
	require.Len(t, cands, 3)

	first := cands[0]
	assert.Equal(t, "1001", first.OrderID)
	assert.True(t, first.ExecutedAt.Equal(at("2025-01-05T09:00:12Z")))
	assert.Equal(t, "0.00052", first.CryptoAmount.String())
	assert.Equal(t, "50", first.FiatAmount.String())
	assert.Equal(t, "96000", first.Price.String())
	assert.Equal(t, "EUR", first.FeeAsset)
	assert.Equal(t, "1006", cands[2].OrderID)
}

func TestCoinmateParserLocation(t *testing.T) {
	prague := time.FixedZone("CET", 3600)
	cands, err := CoinmateParser{Location: prague}.Parse(strings.NewReader(coinmateExport), btcEUR())
	require.NoError(t, err)
	assert.True(t, cands[0].ExecutedAt.Equal(at("2025-01-05T08:00:12Z")))
}

func TestCoinmateParserMalformedRow(t *testing.T) {
	bad := strings.Replace(coinmateExport, "0.00055;BTC;90500", "abc;BTC;90500", 1)
	_, err := CoinmateParser{}.Parse(strings.NewReader(bad), btcEUR())
	var perr *ImportParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Line)

	short := "header\n1;2;3\n"
	_, err = CoinmateParser{}.Parse(strings.NewReader(short), btcEUR())
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Line)
}

func TestGenericParser(t *testing.T) {
	input := `Date,Exchange,Crypto,Fiat,Crypto Amount,Fiat Amount,Price,Fee,Fee Asset,Status,Order ID,Error
2025-02-01T09:00:00Z,paper,BTC,EUR,0.0005,50,100000,0.1,EUR,COMPLETED,a-1,
2025-02-02T09:00:00Z,paper,BTC,EUR,0,50,0,0,EUR,FAILED,,insufficient balance
2025-02-03T09:00:00Z,paper,BTC,EUR,0.0004,40,,,,,,
2025-02-03T09:00:00Z,paper,ETH,EUR,0.01,40,,,,,,
`
	cands, err := GenericParser{}.Parse(strings.NewReader(input), btcEUR())
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "a-1", cands[0].OrderID)
	assert.Equal(t, "", cands[1].OrderID)
	assert.Equal(t, "100000", cands[1].Price.String(), "price derived from amounts")

	_, err = GenericParser{}.Parse(strings.NewReader("date,crypto\n"), btcEUR())
	var perr *ImportParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Line)
}

func TestParserFor(t *testing.T) {
	p, err := ParserFor(" Coinmate ")
	require.NoError(t, err)
	assert.IsType(t, CoinmateParser{}, p)

	_, err = ParserFor("binance")
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.Equal(t, []string{"coinmate", "dcabot"}, FormatNames())
}

func TestKeySetRules(t *testing.T) {
	existing := []storage.Transaction{
		{OrderID: "x-1", ExecutedAt: at("2025-03-01T10:00:30Z"), FiatAmount: decimal.NewFromInt(50), CryptoAmount: decimal.RequireFromString("0.001")},
		{ExecutedAt: at("2025-03-02T10:00:00Z"), FiatAmount: decimal.NewFromInt(25), CryptoAmount: decimal.RequireFromString("0.0005")},
	}
	keys := KeysFrom(existing)

	cases := []struct {
		name string
		c    Candidate
		dup  bool
	}{
		{"known order id", Candidate{OrderID: "x-1", ExecutedAt: at("2025-04-01T00:00:00Z")}, true},
		{"new order id matching a row with id", Candidate{OrderID: "x-2", ExecutedAt: at("2025-03-01T10:00:59Z"), FiatAmount: decimal.RequireFromString("50.00"), CryptoAmount: decimal.RequireFromString("0.001")}, false},
		{"new order id matching an anonymous row", Candidate{OrderID: "x-3", ExecutedAt: at("2025-03-02T10:00:10Z"), FiatAmount: decimal.NewFromInt(25), CryptoAmount: decimal.RequireFromString("0.0005")}, true},
		{"anonymous matching any row", Candidate{ExecutedAt: at("2025-03-01T10:00:01Z"), FiatAmount: decimal.NewFromInt(50), CryptoAmount: decimal.RequireFromString("0.001")}, true},
		{"anonymous next minute", Candidate{ExecutedAt: at("2025-03-01T10:01:00Z"), FiatAmount: decimal.NewFromInt(50), CryptoAmount: decimal.RequireFromString("0.001")}, false},
		{"anonymous different amount", Candidate{ExecutedAt: at("2025-03-01T10:00:00Z"), FiatAmount: decimal.RequireFromString("50.01"), CryptoAmount: decimal.RequireFromString("0.001")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.dup, keys.Contains(tc.c))
		})
	}
}

func TestPartitionKeepsAnonymousTwinsWithinBatch(t *testing.T) {
	c := Candidate{ExecutedAt: at("2025-03-01T10:00:00Z"), FiatAmount: decimal.NewFromInt(10), CryptoAmount: decimal.NewFromInt(1)}
	keys := NewKeySet()
	fresh, skipped := Partition([]Candidate{c, c}, keys)
	if len(fresh) != 2 || len(skipped) != 0 {
		t.Fatalf("同一批次的无 ID 行应全部导入: fresh=%d skipped=%d", len(fresh), len(skipped))
	}

	// once committed they are known
	fresh, skipped = Partition([]Candidate{c, c}, keys)
	assert.Empty(t, fresh)
	assert.Len(t, skipped, 2)

	txs := ToEntities([]Candidate{c}, 7, "paper", NewKeySet())
	require.Len(t, txs, 1)
	assert.Equal(t, storage.StatusCompleted, txs[0].Status)
	assert.Equal(t, int64(7), txs[0].PlanID)
	assert.True(t, txs[0].ExecutedAt.Equal(c.ExecutedAt))
}

func TestPartitionDedupsRepeatedOrderID(t *testing.T) {
	a := Candidate{OrderID: "o-1", ExecutedAt: at("2025-03-01T10:00:00Z"), FiatAmount: decimal.NewFromInt(10), CryptoAmount: decimal.NewFromInt(1)}
	b := a
	b.ExecutedAt = b.ExecutedAt.Add(time.Hour)
	fresh, skipped := Partition([]Candidate{a, b}, NewKeySet())
	assert.Len(t, fresh, 1)
	assert.Len(t, skipped, 1)
}

func TestImportCSVKeepsIdenticalRows(t *testing.T) {
	store := storage.NewMemory()
	plan := testPlan(t, store)
	im := NewImporter(store, Options{}, zerolog.Nop())

	row := "2025-02-01T09:00:00Z,paper,BTC,EUR,0.0005,50,100000,0,EUR,COMPLETED,,\n"
	data := strings.Join(GenericHeader, ",") + "\n" + row + row

	first, err := im.ImportCSV(context.Background(), strings.NewReader(data), "dcabot", plan)
	require.NoError(t, err)
	assert.Equal(t, Summary{Parsed: 2, Imported: 2}, first)

	second, err := im.ImportCSV(context.Background(), strings.NewReader(data), "dcabot", plan)
	require.NoError(t, err)
	assert.Equal(t, Summary{Parsed: 2, Imported: 0, Skipped: 2}, second)
}

func TestImportCSVTwice(t *testing.T) {
	store := storage.NewMemory()
	plan := testPlan(t, store)
	im := NewImporter(store, Options{}, zerolog.Nop())

	first, err := im.ImportCSV(context.Background(), strings.NewReader(coinmateExport), "coinmate", plan)
	require.NoError(t, err)
	assert.Equal(t, Summary{Parsed: 3, Imported: 3}, first)

	second, err := im.ImportCSV(context.Background(), strings.NewReader(coinmateExport), "coinmate", plan)
	require.NoError(t, err)
	assert.Equal(t, Summary{Parsed: 3, Imported: 0, Skipped: 3}, second)

	rows, err := store.Query(context.Background(), storage.TxFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "coinmate", rows[0].Venue)
	assert.Equal(t, storage.StatusCompleted, rows[0].Status)
}

func TestImportCSVMalformedWritesNothing(t *testing.T) {
	store := storage.NewMemory()
	plan := testPlan(t, store)
	im := NewImporter(store, Options{}, zerolog.Nop())

	bad := coinmateExport + "1007;not-a-date;MARKET_BUY;0.1;BTC;1;EUR;0;EUR;-1;EUR;;OK\n"
	_, err := im.ImportCSV(context.Background(), strings.NewReader(bad), "coinmate", plan)
	var perr *ImportParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 8, perr.Line)

	rows, err := store.Query(context.Background(), storage.TxFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExportRoundTrip(t *testing.T) {
	store := storage.NewMemory()
	plan := testPlan(t, store)
	im := NewImporter(store, Options{}, zerolog.Nop())
	_, err := im.ImportCSV(context.Background(), strings.NewReader(coinmateExport), "coinmate", plan)
	require.NoError(t, err)

	rows, err := store.Query(context.Background(), storage.TxFilter{})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))

	summary, err := im.ImportCSV(context.Background(), &buf, "dcabot", plan)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Parsed)
	assert.Equal(t, 3, summary.Skipped)
}

func seededVenue(n int) *exchange.Paper {
	venue := exchange.NewPaper(exchange.PaperOptions{Name: "paper", PageSize: 2})
	base := at("2025-01-01T08:00:00Z")
	for i := 0; i < n; i++ {
		venue.SeedTrades(exchange.Trade{
			OrderID:      "t-" + string(rune('a'+i)),
			Side:         exchange.SideBuy,
			Pair:         btcEUR(),
			CryptoAmount: decimal.RequireFromString("0.0005"),
			FiatAmount:   decimal.NewFromInt(50),
			Price:        decimal.NewFromInt(100000),
			FeeAsset:     "EUR",
			ExecutedAt:   base.Add(time.Duration(i) * 24 * time.Hour),
		})
	}
	venue.SeedTrades(exchange.Trade{OrderID: "sell-1", Side: exchange.SideSell, Pair: btcEUR(), ExecutedAt: base.Add(time.Hour)})
	return venue
}

func TestImportFromAPI(t *testing.T) {
	store := storage.NewMemory()
	plan := testPlan(t, store)
	venue := seededVenue(5)
	im := NewImporter(store, Options{}, zerolog.Nop())

	var events []Progress
	summary, err := im.ImportFromAPI(context.Background(), venue, plan, func(p Progress) { events = append(events, p) })
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Imported)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 3, summary.Pages)

	require.NotEmpty(t, events)
	assert.Equal(t, Fetching{Page: 1, Total: 0}, events[0])
	assert.Equal(t, Complete{Imported: 5, Skipped: 0}, events[len(events)-1])

	again, err := im.ImportFromAPI(context.Background(), venue, plan, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Imported)
	assert.Equal(t, 5, again.Skipped)
}

type flakyHistory struct {
	*exchange.Paper
	failOn int
	calls  int
}

func (f *flakyHistory) GetTradeHistory(ctx context.Context, pair exchange.Pair, token string) (exchange.TradePage, error) {
	f.calls++
	if f.calls == f.failOn {
		return exchange.TradePage{}, errors.New("502 bad gateway")
	}
	return f.Paper.GetTradeHistory(ctx, pair, token)
}

func TestImportFromAPIKeepsEarlierPages(t *testing.T) {
	store := storage.NewMemory()
	plan := testPlan(t, store)
	client := &flakyHistory{Paper: seededVenue(6), failOn: 3}
	im := NewImporter(store, Options{PageRate: 1000}, zerolog.Nop())

	var last Progress
	summary, err := im.ImportFromAPI(context.Background(), client, plan, func(p Progress) { last = p })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page 3")
	// page one holds a sell, so two pages carry three buys
	assert.Equal(t, 3, summary.Imported)

	failed, ok := last.(Failed)
	require.True(t, ok, "last event %T", last)
	assert.Contains(t, failed.Message, "bad gateway")

	rows, err := store.Query(context.Background(), storage.TxFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestImportFromAPIPageCap(t *testing.T) {
	store := storage.NewMemory()
	plan := testPlan(t, store)
	im := NewImporter(store, Options{MaxPages: 1}, zerolog.Nop())

	summary, err := im.ImportFromAPI(context.Background(), seededVenue(5), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pages)
	assert.Equal(t, 1, summary.Imported)
}
