package quota

import (
	"log/slog"
	"sync"
)

// ModelPricing holds per-million-token prices for one generation model.
type ModelPricing struct {
	ID                    string
	Name                  string
	InputPricePerMillion  float64
	OutputPricePerMillion float64
}

// modelRegistry is the closed set of models the platform offers.
var modelRegistry = map[string]ModelPricing{
	"google/gemini-2.0-flash-exp:free": {
		ID:                    "google/gemini-2.0-flash-exp:free",
		Name:                  "Gemini 2.0 Flash (Free)",
		InputPricePerMillion:  0,
		OutputPricePerMillion: 0,
	},
	"google/gemini-2.0-flash": {
		ID:                    "google/gemini-2.0-flash",
		Name:                  "Gemini 2.0 Flash",
		InputPricePerMillion:  0.1,
		OutputPricePerMillion: 0.4,
	},
}

var warnOnce sync.Map // model → struct{}

// Cost estimates the USD cost of one generation given token usage. Unknown
// model identifiers resolve to zero cost with a logged warning, so
// accounting never blocks job completion.
func Cost(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := modelRegistry[model]
	if !ok {
		if _, dup := warnOnce.LoadOrStore(model, struct{}{}); !dup {
			slog.Warn("unknown model in cost estimation, charging zero",
				slog.String("model", model),
			)
		}
		return 0
	}

	inputCost := float64(inputTokens) / 1_000_000 * pricing.InputPricePerMillion
	outputCost := float64(outputTokens) / 1_000_000 * pricing.OutputPricePerMillion

	return inputCost + outputCost
}

// KnownModel reports whether the model has a pricing entry.
func KnownModel(model string) bool {
	_, ok := modelRegistry[model]
	return ok
}
