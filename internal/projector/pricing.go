package projector

import (
	"math"
	"sort"
	"strings"
)

// ModelPrice — цены в USD за миллион токенов.
type ModelPrice struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// Usage — токены одного вызова модели.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

type priceEntry struct {
	prefix string
	price  ModelPrice
}

// PriceTable ищет цену по самому длинному совпавшему префиксу имени модели,
// чтобы "claude-opus-4-5" не попадал под более короткий "claude-opus-4".
type PriceTable struct {
	entries []priceEntry
}

func NewPriceTable(prices map[string]ModelPrice) *PriceTable {
	t := &PriceTable{entries: make([]priceEntry, 0, len(prices))}
	for prefix, price := range prices {
		t.entries = append(t.entries, priceEntry{prefix: strings.ToLower(prefix), price: price})
	}
	sort.Slice(t.entries, func(i, j int) bool {
		if len(t.entries[i].prefix) != len(t.entries[j].prefix) {
			return len(t.entries[i].prefix) > len(t.entries[j].prefix)
		}
		return t.entries[i].prefix < t.entries[j].prefix
	})
	return t
}

// DefaultPrices — публичный прайс семейств моделей.
func DefaultPrices() *PriceTable {
	return NewPriceTable(map[string]ModelPrice{
		"claude-opus-4-6":   {Input: 5, Output: 25, CacheRead: 0.5, CacheWrite: 6.25},
		"claude-opus-4-5":   {Input: 5, Output: 25, CacheRead: 0.5, CacheWrite: 6.25},
		"claude-opus-4":     {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
		"claude-sonnet-4":   {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
		"claude-3-7-sonnet": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
		"claude-3-5-sonnet": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
		"claude-haiku-4-5":  {Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
		"claude-3-5-haiku":  {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
		"claude-3-haiku":    {Input: 0.25, Output: 1.25, CacheRead: 0.03, CacheWrite: 0.3},
		"claude-3-opus":     {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
		"gpt-4o":            {Input: 2.5, Output: 10, CacheRead: 1.25},
		"gpt-4o-mini":       {Input: 0.15, Output: 0.6, CacheRead: 0.075},
	})
}

// Lookup находит цену модели. Провайдерский префикс ("anthropic/", "bedrock/...") отбрасывается.
func (t *PriceTable) Lookup(model string) (ModelPrice, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimPrefix(name, "anthropic.")
	if name == "" {
		return ModelPrice{}, false
	}
	for _, e := range t.entries {
		if strings.HasPrefix(name, e.prefix) {
			return e.price, true
		}
	}
	return ModelPrice{}, false
}

// Cost считает стоимость: input·in + cacheRead·cr + cacheWrite·cw + output·out.
// Неизвестная модель стоит 0.
func (t *PriceTable) Cost(model string, u Usage) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	cost := float64(u.InputTokens)*p.Input +
		float64(u.CacheReadTokens)*p.CacheRead +
		float64(u.CacheWriteTokens)*p.CacheWrite +
		float64(u.OutputTokens)*p.Output
	return RoundUSD(cost / 1e6)
}

// RoundUSD округляет до 6 знаков.
func RoundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
