package budget

import "sort"

// modelPrice holds per-million-token USD rates.
type modelPrice struct {
	InputPerM  float64
	OutputPerM float64
}

// priceTable is the static model price list. Unknown models fall back to the
// cheapest entry so estimates never silently become zero.
var priceTable = map[string]modelPrice{
	"gpt-4o":            {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":       {InputPerM: 0.15, OutputPerM: 0.60},
	"claude-sonnet-4":   {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-haiku-3.5":  {InputPerM: 0.80, OutputPerM: 4.00},
	"deepseek-chat":     {InputPerM: 0.27, OutputPerM: 1.10},
	"llama-3.1-70b":     {InputPerM: 0.10, OutputPerM: 0.10},
	"local":             {InputPerM: 0, OutputPerM: 0},
}

// cheapestModel returns the lowest combined-rate entry. Deterministic: ties
// break on name.
func cheapestModel() modelPrice {
	names := make([]string, 0, len(priceTable))
	for name := range priceTable {
		names = append(names, name)
	}
	sort.Strings(names)

	best := priceTable[names[0]]
	bestSum := best.InputPerM + best.OutputPerM
	for _, name := range names[1:] {
		p := priceTable[name]
		if sum := p.InputPerM + p.OutputPerM; sum < bestSum {
			best, bestSum = p, sum
		}
	}
	return best
}

// EstimateCost computes dollars for a call against the price table.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	price, ok := priceTable[model]
	if !ok {
		price = cheapestModel()
	}
	return float64(inputTokens)/1e6*price.InputPerM + float64(outputTokens)/1e6*price.OutputPerM
}
