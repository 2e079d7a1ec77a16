// Package reconcile backfills the ledger from CSV exports and venue trade
// history without recording the same fill twice.
package reconcile

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/internal/exchange"
	"dcabot/internal/storage"
)

// Candidate is an externally sourced completed buy.
type Candidate struct {
	OrderID      string
	ExecutedAt   time.Time
	Crypto       string
	Fiat         string
	CryptoAmount decimal.Decimal
	FiatAmount   decimal.Decimal
	Price        decimal.Decimal
	Fee          decimal.Decimal
	FeeAsset     string
}

// FromTrade converts a venue fill.
func FromTrade(t exchange.Trade) Candidate {
	return Candidate{
		OrderID:      t.OrderID,
		ExecutedAt:   t.ExecutedAt,
		Crypto:       t.Pair.Base,
		Fiat:         t.Pair.Quote,
		CryptoAmount: t.CryptoAmount,
		FiatAmount:   t.FiatAmount,
		Price:        t.Price,
		Fee:          t.Fee,
		FeeAsset:     t.FeeAsset,
	}
}

// compositeKey identifies a fill without an order id: minute, fiat and
// crypto amount. Amounts compare by value, so "50.00" equals "50".
func compositeKey(at time.Time, fiat, crypto decimal.Decimal) string {
	return at.UTC().Truncate(time.Minute).Format(time.RFC3339) + "|" + fiat.String() + "|" + crypto.String()
}

// KeySet holds the identifying keys already present in the ledger.
type KeySet struct {
	orderIDs map[string]struct{}
	// composite keys of every known row
	all map[string]struct{}
	// composite keys of known rows that carry no order id
	anonymous map[string]struct{}
}

// NewKeySet returns an empty set.
func NewKeySet() *KeySet {
	return &KeySet{
		orderIDs:  make(map[string]struct{}),
		all:       make(map[string]struct{}),
		anonymous: make(map[string]struct{}),
	}
}

// KeysFrom indexes existing ledger rows.
func KeysFrom(txs []storage.Transaction) *KeySet {
	keys := NewKeySet()
	for _, tx := range txs {
		keys.add(strings.TrimSpace(tx.OrderID), compositeKey(tx.ExecutedAt, tx.FiatAmount, tx.CryptoAmount))
	}
	return keys
}

// Len is the number of indexed rows with an order id plus anonymous rows.
func (k *KeySet) Len() int {
	return len(k.orderIDs) + len(k.anonymous)
}

func (k *KeySet) add(orderID, composite string) {
	k.all[composite] = struct{}{}
	if orderID == "" {
		k.anonymous[composite] = struct{}{}
		return
	}
	k.orderIDs[orderID] = struct{}{}
}

// Contains reports whether c is already known. A candidate with an order id
// matches that id, or the composite of a known row without one. A candidate
// without an order id matches any known composite.
func (k *KeySet) Contains(c Candidate) bool {
	composite := compositeKey(c.ExecutedAt, c.FiatAmount, c.CryptoAmount)
	orderID := strings.TrimSpace(c.OrderID)
	if orderID == "" {
		_, ok := k.all[composite]
		return ok
	}
	if _, ok := k.orderIDs[orderID]; ok {
		return true
	}
	_, ok := k.anonymous[composite]
	return ok
}

// Add records c as known, for example after its batch was committed.
func (k *KeySet) Add(c Candidate) {
	k.add(strings.TrimSpace(c.OrderID), compositeKey(c.ExecutedAt, c.FiatAmount, c.CryptoAmount))
}

// Partition splits candidates into unseen and already known ones, then
// adds the unseen ones to keys. Within one batch only a repeated order id
// is a duplicate; id-less rows that share minute and amounts are distinct
// fills until they reach the ledger.
func Partition(cands []Candidate, keys *KeySet) (fresh, skipped []Candidate) {
	batch := make(map[string]struct{})
	for _, c := range cands {
		if keys.Contains(c) {
			skipped = append(skipped, c)
			continue
		}
		if id := strings.TrimSpace(c.OrderID); id != "" {
			if _, dup := batch[id]; dup {
				skipped = append(skipped, c)
				continue
			}
			batch[id] = struct{}{}
		}
		fresh = append(fresh, c)
	}
	for _, c := range fresh {
		keys.Add(c)
	}
	return fresh, skipped
}

// ToEntities turns unseen candidates into COMPLETED ledger rows for plan,
// keeping their original execution times.
func ToEntities(cands []Candidate, planID int64, venue string, keys *KeySet) []storage.Transaction {
	fresh, _ := Partition(cands, keys)
	txs := make([]storage.Transaction, 0, len(fresh))
	for _, c := range fresh {
		feeAsset := c.FeeAsset
		if feeAsset == "" {
			feeAsset = c.Fiat
		}
		txs = append(txs, storage.Transaction{
			PlanID:       planID,
			Venue:        venue,
			Crypto:       strings.ToUpper(c.Crypto),
			Fiat:         strings.ToUpper(c.Fiat),
			FiatAmount:   c.FiatAmount,
			CryptoAmount: c.CryptoAmount,
			Price:        c.Price,
			Fee:          c.Fee,
			FeeAsset:     strings.ToUpper(feeAsset),
			Status:       storage.StatusCompleted,
			OrderID:      strings.TrimSpace(c.OrderID),
			ExecutedAt:   c.ExecutedAt.UTC(),
		})
	}
	return txs
}
