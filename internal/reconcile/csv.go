package reconcile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/internal/exchange"
	"dcabot/internal/storage"
)

// ImportParseError points at the first malformed CSV line.
type ImportParseError struct {
	Line int
	Err  error
}

func (e *ImportParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ImportParseError) Unwrap() error {
	return e.Err
}

// ErrUnknownFormat is returned for an unregistered CSV format name.
var ErrUnknownFormat = errors.New("unknown csv format")

// Parser turns one CSV export into candidates for pair. Rows for other
// pairs, non-buys and unsuccessful orders are dropped silently; malformed
// rows fail the whole parse with *ImportParseError.
type Parser interface {
	Parse(r io.Reader, pair exchange.Pair) ([]Candidate, error)
}

// Formats is the parser registry keyed by format name.
var Formats = map[string]Parser{
	"coinmate": CoinmateParser{},
	"dcabot":   GenericParser{},
}

// FormatNames lists registered formats.
func FormatNames() []string {
	names := make([]string, 0, len(Formats))
	for name := range Formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParserFor looks up a registered format.
func ParserFor(format string) (Parser, error) {
	p, ok := Formats[strings.ToLower(strings.TrimSpace(format))]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownFormat, format, strings.Join(FormatNames(), ", "))
	}
	return p, nil
}

const coinmateTimeLayout = "2006-01-02 15:04:05"

// CoinmateParser reads Coinmate's semicolon separated order history:
// id;date;type;amount;amount currency;price;price currency;fee;fee
// currency;total;total currency;description;status. Only MARKET_BUY rows
// with status OK are kept.
type CoinmateParser struct {
	// Location of the export's timestamps; UTC when nil.
	Location *time.Location
}

// Parse implements Parser.
func (p CoinmateParser) Parse(r io.Reader, pair exchange.Pair) ([]Candidate, error) {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var out []Candidate
	header := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		line, _ := reader.FieldPos(0)
		if header {
			header = false
			continue
		}
		if blank(record) {
			continue
		}
		if len(record) < 13 {
			return nil, &ImportParseError{Line: line, Err: fmt.Errorf("expected 13 fields, got %d", len(record))}
		}
		field := func(i int) string { return strings.TrimSpace(record[i]) }

		if field(2) != "MARKET_BUY" || field(12) != "OK" {
			continue
		}
		if !strings.EqualFold(field(4), pair.Base) || !strings.EqualFold(field(6), pair.Quote) {
			continue
		}

		at, err := time.ParseInLocation(coinmateTimeLayout, field(1), loc)
		if err != nil {
			return nil, &ImportParseError{Line: line, Err: fmt.Errorf("date: %w", err)}
		}
		nums, err := parseDecimals(field(3), field(5), field(7), field(9))
		if err != nil {
			return nil, &ImportParseError{Line: line, Err: err}
		}
		out = append(out, Candidate{
			OrderID:      field(0),
			ExecutedAt:   at.UTC(),
			Crypto:       strings.ToUpper(field(4)),
			Fiat:         strings.ToUpper(field(6)),
			CryptoAmount: nums[0],
			Price:        nums[1],
			Fee:          nums[2],
			FeeAsset:     strings.ToUpper(field(8)),
			FiatAmount:   nums[3].Abs(),
		})
	}
	return out, nil
}

// GenericHeader is the column layout written by WriteCSV.
var GenericHeader = []string{"date", "venue", "crypto", "fiat", "crypto_amount", "fiat_amount", "price", "fee", "fee_asset", "status", "order_id", "error"}

var genericRequired = []string{"date", "crypto", "fiat", "crypto_amount", "fiat_amount"}

// GenericParser reads the comma separated format produced by the export
// command. Columns are matched by header name, so order does not matter and
// "Crypto Amount" matches crypto_amount. order_id, price, fee, fee_asset and
// status are optional; rows with a status other than COMPLETED are skipped.
type GenericParser struct{}

// Parse implements Parser.
func (GenericParser) Parse(r io.Reader, pair exchange.Pair) ([]Candidate, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		out     []Candidate
		columns map[string]int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		line, _ := reader.FieldPos(0)
		if columns == nil {
			columns = headerIndex(record)
			for _, name := range genericRequired {
				if _, ok := columns[name]; !ok {
					return nil, &ImportParseError{Line: line, Err: fmt.Errorf("missing column %q", name)}
				}
			}
			continue
		}
		if blank(record) {
			continue
		}
		field := func(name string) string {
			i, ok := columns[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		if status := field("status"); status != "" && !strings.EqualFold(status, string(storage.StatusCompleted)) {
			continue
		}
		if !strings.EqualFold(field("crypto"), pair.Base) || !strings.EqualFold(field("fiat"), pair.Quote) {
			continue
		}

		at, err := time.Parse(time.RFC3339, field("date"))
		if err != nil {
			return nil, &ImportParseError{Line: line, Err: fmt.Errorf("date: %w", err)}
		}
		nums, err := parseDecimals(field("crypto_amount"), field("fiat_amount"))
		if err != nil {
			return nil, &ImportParseError{Line: line, Err: err}
		}
		optional, err := parseOptionalDecimals(field("price"), field("fee"))
		if err != nil {
			return nil, &ImportParseError{Line: line, Err: err}
		}
		price := optional[0]
		if price.IsZero() && nums[0].IsPositive() {
			price = nums[1].Div(nums[0])
		}
		out = append(out, Candidate{
			OrderID:      field("order_id"),
			ExecutedAt:   at.UTC(),
			Crypto:       strings.ToUpper(field("crypto")),
			Fiat:         strings.ToUpper(field("fiat")),
			CryptoAmount: nums[0],
			FiatAmount:   nums[1].Abs(),
			Price:        price,
			Fee:          optional[1],
			FeeAsset:     strings.ToUpper(field("fee_asset")),
		})
	}
	if columns == nil {
		return nil, &ImportParseError{Line: 1, Err: errors.New("empty file")}
	}
	return out, nil
}

// WriteCSV writes txs in the format GenericParser reads.
func WriteCSV(w io.Writer, txs []storage.Transaction) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(GenericHeader); err != nil {
		return err
	}
	for _, tx := range txs {
		record := []string{
			tx.ExecutedAt.UTC().Format(time.RFC3339),
			tx.Venue,
			tx.Crypto,
			tx.Fiat,
			tx.CryptoAmount.String(),
			tx.FiatAmount.String(),
			tx.Price.String(),
			tx.Fee.String(),
			tx.FeeAsset,
			string(tx.Status),
			tx.OrderID,
			tx.ErrorMessage,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func headerIndex(record []string) map[string]int {
	columns := make(map[string]int, len(record))
	for i, name := range record {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		key = strings.ReplaceAll(key, " ", "_")
		if key == "exchange" {
			key = "venue"
		}
		columns[key] = i
	}
	return columns
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}

func parseOptionalDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func csvError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ImportParseError{Line: pe.Line, Err: pe.Err}
	}
	return err
}
