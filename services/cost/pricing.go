package cost

import (
	"github.com/upb/provider-router/services/providers"
)

// Price is the USD price per 1K tokens
type Price struct {
	InputPer1K  float64 `json:"input_per_1k" toml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" toml:"output_per_1k"`
}

// Cost returns the price of the given token counts
func (p Price) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

// PriceTable maps provider and model to a price. A table is treated as
// immutable once handed to a Tracker.
type PriceTable struct {
	Models   map[string]map[string]Price `json:"models"`
	Defaults map[string]Price            `json:"defaults"`
}

// NewPriceTable creates an empty table
func NewPriceTable() PriceTable {
	return PriceTable{
		Models:   make(map[string]map[string]Price),
		Defaults: make(map[string]Price),
	}
}

// PriceTableFromCatalog seeds a table from adapter model catalogs
func PriceTableFromCatalog(catalog map[string][]providers.ModelInfo) PriceTable {
	t := NewPriceTable()
	for providerID, infos := range catalog {
		for _, m := range infos {
			t.Set(providerID, m.ID, Price{InputPer1K: m.InputPricePer1K, OutputPer1K: m.OutputPricePer1K})
		}
	}
	return t
}

// Set stores the price of one model
func (t PriceTable) Set(providerID, model string, p Price) {
	byModel, ok := t.Models[providerID]
	if !ok {
		byModel = make(map[string]Price)
		t.Models[providerID] = byModel
	}
	byModel[model] = p
}

// SetDefault stores the fallback price of a provider
func (t PriceTable) SetDefault(providerID string, p Price) {
	t.Defaults[providerID] = p
}

// Lookup returns the model price, then the provider default
func (t PriceTable) Lookup(providerID, model string) (Price, bool) {
	if byModel, ok := t.Models[providerID]; ok {
		if p, ok := byModel[model]; ok {
			return p, true
		}
	}
	p, ok := t.Defaults[providerID]
	return p, ok
}

// Merge returns a copy of t with every entry of overrides applied on top
func (t PriceTable) Merge(overrides PriceTable) PriceTable {
	out := NewPriceTable()
	for _, src := range []PriceTable{t, overrides} {
		for providerID, byModel := range src.Models {
			for model, p := range byModel {
				out.Set(providerID, model, p)
			}
		}
		for providerID, p := range src.Defaults {
			out.SetDefault(providerID, p)
		}
	}
	return out
}
