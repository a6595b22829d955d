// Package cost keeps the append-only ledger of completed requests and
// derives usage summaries from it.
package cost

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
)

// Entry describes one successful attempt to be priced and recorded
type Entry struct {
	RequestID    string
	ProviderID   string
	Tier         providers.Tier
	Model        string
	InputTokens  int
	OutputTokens int
	Timestamp    time.Time
}

// Sink receives every recorded entry, typically for durable storage
type Sink interface {
	Enqueue(rec models.CostRecord) error
}

// Loader reads persisted records back
type Loader interface {
	ListSince(ctx context.Context, since time.Time) ([]models.CostRecord, error)
}

type node struct {
	rec  models.CostRecord
	next *node
}

// Tracker prices and records completed requests
type Tracker struct {
	head   atomic.Pointer[node]
	count  atomic.Int64
	prices atomic.Pointer[PriceTable]
	totals sync.Map // provider id -> *atomicFloat

	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a new tracker. sink may be nil.
func NewTracker(prices PriceTable, sink Sink, logger *zap.Logger) *Tracker {
	t := &Tracker{
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
	t.prices.Store(&prices)
	return t
}

// SetPrices atomically replaces the price table
func (t *Tracker) SetPrices(prices PriceTable) {
	t.prices.Store(&prices)
}

// Prices returns the current price table
func (t *Tracker) Prices() PriceTable {
	return *t.prices.Load()
}

// Price computes the cost of an entry without recording it
func (t *Tracker) Price(e Entry) float64 {
	if e.Tier == providers.TierLocal {
		return 0
	}

	p, ok := t.prices.Load().Lookup(e.ProviderID, e.Model)
	if !ok {
		t.logger.Warn("No price for model, recording zero cost",
			zap.String("provider", e.ProviderID),
			zap.String("model", e.Model),
		)
		return 0
	}

	cost := p.Cost(e.InputTokens, e.OutputTokens)
	if cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return 0
	}
	return cost
}

// Record prices the entry and appends it to the ledger
func (t *Tracker) Record(ctx context.Context, e Entry) (models.CostRecord, error) {
	if e.ProviderID == "" {
		return models.CostRecord{}, services.NewDomainError(services.ErrorTypeValidation, "cost entry requires a provider", nil)
	}
	if e.InputTokens < 0 {
		e.InputTokens = 0
	}
	if e.OutputTokens < 0 {
		e.OutputTokens = 0
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}

	rec := models.NewCostRecord(e.RequestID, e.ProviderID, e.Model, e.InputTokens, e.OutputTokens, t.Price(e), e.Timestamp)
	t.append(rec)

	if t.sink != nil {
		if err := t.sink.Enqueue(rec); err != nil {
			t.logger.Warn("Failed to hand cost record to sink",
				zap.String("record_id", rec.ID.String()),
				zap.Error(err),
			)
		}
	}

	t.logger.Debug("Cost recorded",
		zap.String("request_id", rec.RequestID),
		zap.String("provider", rec.ProviderID),
		zap.String("model", rec.Model),
		zap.Float64("cost_usd", rec.CostUSD),
	)
	return rec, nil
}

func (t *Tracker) append(rec models.CostRecord) {
	n := &node{rec: rec}
	for {
		old := t.head.Load()
		n.next = old
		if t.head.CompareAndSwap(old, n) {
			break
		}
	}
	t.count.Add(1)
	t.total(rec.ProviderID).add(rec.CostUSD)
}

func (t *Tracker) total(providerID string) *atomicFloat {
	if v, ok := t.totals.Load(providerID); ok {
		return v.(*atomicFloat)
	}
	v, _ := t.totals.LoadOrStore(providerID, &atomicFloat{})
	return v.(*atomicFloat)
}

// Len returns the number of records in the ledger
func (t *Tracker) Len() int {
	return int(t.count.Load())
}

// Records returns a point-in-time copy of the ledger in chronological order
func (t *Tracker) Records() []models.CostRecord {
	var out []models.CostRecord
	for n := t.head.Load(); n != nil; n = n.next {
		out = append(out, n.rec)
	}
	// the list is newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// TotalsByProvider returns cumulative spend per provider
func (t *Tracker) TotalsByProvider() map[string]float64 {
	out := make(map[string]float64)
	t.totals.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(*atomicFloat).load()
		return true
	})
	return out
}

// Summary aggregates the ledger by provider and UTC day over [from, to).
// A zero bound is unbounded.
func (t *Tracker) Summary(from, to time.Time) (models.UsageSummary, error) {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return models.UsageSummary{}, services.ErrInvalidRange
	}

	type key struct{ provider, day string }
	days := make(map[key]*models.DailyUsage)
	byProvider := make(map[string]*models.ProviderUsage)

	summary := models.UsageSummary{Providers: []models.ProviderUsage{}}
	if !from.IsZero() {
		f := from.UTC()
		summary.From = &f
	}
	if !to.IsZero() {
		tt := to.UTC()
		summary.To = &tt
	}

	for n := t.head.Load(); n != nil; n = n.next {
		rec := n.rec
		if !from.IsZero() && rec.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !rec.Timestamp.Before(to) {
			continue
		}

		pu, ok := byProvider[rec.ProviderID]
		if !ok {
			pu = &models.ProviderUsage{ProviderID: rec.ProviderID}
			byProvider[rec.ProviderID] = pu
		}
		pu.Requests++
		pu.InputTokens += int64(rec.InputTokens)
		pu.OutputTokens += int64(rec.OutputTokens)
		pu.CostUSD += rec.CostUSD

		k := key{rec.ProviderID, rec.DayKey()}
		du, ok := days[k]
		if !ok {
			du = &models.DailyUsage{Date: k.day}
			days[k] = du
		}
		du.Requests++
		du.InputTokens += int64(rec.InputTokens)
		du.OutputTokens += int64(rec.OutputTokens)
		du.CostUSD += rec.CostUSD

		summary.Requests++
		summary.TotalCostUSD += rec.CostUSD
	}

	for k, du := range days {
		pu := byProvider[k.provider]
		pu.Days = append(pu.Days, *du)
	}
	for _, pu := range byProvider {
		sort.Slice(pu.Days, func(i, j int) bool { return pu.Days[i].Date < pu.Days[j].Date })
		summary.Providers = append(summary.Providers, *pu)
	}
	sort.Slice(summary.Providers, func(i, j int) bool {
		return summary.Providers[i].ProviderID < summary.Providers[j].ProviderID
	})

	return summary, nil
}

// Restore loads persisted records newer than since into the in-memory ledger
func (t *Tracker) Restore(ctx context.Context, loader Loader, since time.Time) (int, error) {
	records, err := loader.ListSince(ctx, since)
	if err != nil {
		return 0, services.WrapInternal("failed to restore cost ledger", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })
	for _, rec := range records {
		t.append(rec)
	}

	t.logger.Info("Cost ledger restored",
		zap.Int("records", len(records)),
		zap.Time("since", since),
	)
	return len(records), nil
}

// atomicFloat is a float64 updated with compare-and-swap
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat) load() float64 {
	return math.Float64frombits(f.bits.Load())
}
