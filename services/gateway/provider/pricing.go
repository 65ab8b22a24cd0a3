package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
)

// ModelPricing holds per-model token pricing in USD per 1M tokens.
type ModelPricing struct {
	InputPer1M  float64 `json:"input_per_1m"`
	OutputPer1M float64 `json:"output_per_1m"`
	Free        bool    `json:"free,omitempty"`
}

// PricingConfig is the model catalog the billing engine prices against.
type PricingConfig struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing // key: "provider/model"
}

// DefaultPricing returns the built-in pricing table (Feb 2026 rates)
// for the registered connectors.
func DefaultPricing() *PricingConfig {
	return &PricingConfig{
		pricing: map[string]ModelPricing{
			// OpenAI
			"openai/gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.00},
			"openai/gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
			"openai/gpt-4-turbo":   {InputPer1M: 10.00, OutputPer1M: 30.00},
			"openai/gpt-4":         {InputPer1M: 30.00, OutputPer1M: 60.00},
			"openai/gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},
			"openai/o1":            {InputPer1M: 15.00, OutputPer1M: 60.00},
			"openai/o1-mini":       {InputPer1M: 3.00, OutputPer1M: 12.00},

			// Anthropic
			"anthropic/claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
			"anthropic/claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
			"anthropic/claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
			"anthropic/claude-3-sonnet-20240229":   {InputPer1M: 3.00, OutputPer1M: 15.00},
			"anthropic/claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
		},
	}
}

// LoadFromFile loads pricing overrides from a JSON file.
func (pc *PricingConfig) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}

	var overrides map[string]ModelPricing
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	for k, v := range overrides {
		pc.pricing[k] = v
	}
	return nil
}

// GetPricing returns the pricing for a model. Tries "provider/model"
// first, then falls back to a model-name match across all providers.
func (pc *PricingConfig) GetPricing(providerName, model string) (ModelPricing, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	key := providerName + "/" + model
	if p, ok := pc.pricing[key]; ok {
		return p, true
	}

	lowerModel := strings.ToLower(model)
	for k, p := range pc.pricing {
		parts := strings.SplitN(k, "/", 2)
		if len(parts) == 2 && strings.ToLower(parts[1]) == lowerModel {
			return p, true
		}
	}

	return ModelPricing{}, false
}

// CalculateCost computes the cost for a request given token counts.
func (pc *PricingConfig) CalculateCost(providerName, model string, inputTokens, outputTokens int) float64 {
	pricing, found := pc.GetPricing(providerName, model)
	if !found || pricing.Free {
		return 0.0
	}

	inputCost := (float64(inputTokens) / 1_000_000.0) * pricing.InputPer1M
	outputCost := (float64(outputTokens) / 1_000_000.0) * pricing.OutputPer1M

	// Round to 8 decimal places for precision
	total := inputCost + outputCost
	return math.Round(total*1e8) / 1e8
}

// SetPricing updates or adds pricing for a model.
func (pc *PricingConfig) SetPricing(key string, pricing ModelPricing) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.pricing[key] = pricing
}
