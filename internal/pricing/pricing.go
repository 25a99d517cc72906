// Package pricing provides per-model cost estimation for token usage.
package pricing

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Known model pricing as of mid 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	// Anthropic
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	// Gemini
	"gemini-2.5-flash": {0.075, 0.30},
	"gemini-1.5-pro":   {1.25, 5.00},
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models (safe default).
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	p, ok := knownModels[model]
	if !ok {
		return 0.0
	}
	return (float64(inputTokens)/1_000_000)*p.InputPer1M +
		(float64(outputTokens)/1_000_000)*p.OutputPer1M
}

// Known reports whether a model has a pricing entry.
func Known(model string) bool {
	_, ok := knownModels[model]
	return ok
}
