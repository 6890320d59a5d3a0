// Package cost normalizes a provider's raw token usage into the canonical
// types.TokenUsage and dollar cost attached to an assistant message
// (spec.md §4.8). It is the only place that should construct a
// types.TokenUsage, per that type's own invariant.
package cost

import "github.com/coderunner-ai/coderunner/pkg/types"

// Capabilities narrows provider.Provider.Capabilities() to the one bit
// Normalize needs, so this package doesn't import internal/provider back.
type Capabilities struct {
	// ExcludesCacheFromInput is true for providers (Anthropic, notably)
	// whose reported input token count does not include cache read/write
	// tokens; Normalize uses their input count as reported. For all other
	// providers the input count already includes the cache tokens, and
	// Normalize subtracts them back out so a cached turn isn't billed for
	// its cache tokens under both the input and cache buckets.
	ExcludesCacheFromInput bool
}

// Usage is the raw per-response token count a provider reports, before
// normalization.
type Usage struct {
	Input      int
	Output     int
	Reasoning  int
	CacheRead  int
	CacheWrite int
}

const perMillion = 1_000_000.0

// Normalize builds the TokenUsage for one completion response (Total always
// equals the sum of the other fields, invariant 6 / P4) and prices it
// against model's per-1M-token rates.
func Normalize(usage Usage, model types.Model, caps Capabilities) (*types.TokenUsage, float64) {
	input := usage.Input
	if !caps.ExcludesCacheFromInput {
		input -= usage.CacheRead + usage.CacheWrite
		if input < 0 {
			input = 0
		}
	}

	tokens := &types.TokenUsage{
		Input:     input,
		Output:    usage.Output,
		Reasoning: usage.Reasoning,
		Cache:     types.CacheUsage{Read: usage.CacheRead, Write: usage.CacheWrite},
	}
	tokens.Total = tokens.Input + tokens.Output + tokens.Reasoning + tokens.Cache.Read + tokens.Cache.Write

	return tokens, price(tokens, model.Cost)
}

// price picks the over-200K rate card when one is configured and the
// response crossed that threshold, then applies per-1M-token rates to each
// bucket.
func price(tokens *types.TokenUsage, rates types.ModelCost) float64 {
	if rates.ExperimentalOver200K != nil && tokens.Total > 200_000 {
		rates = *rates.ExperimentalOver200K
	}
	return float64(tokens.Input)*rates.Input/perMillion +
		float64(tokens.Output)*rates.Output/perMillion +
		float64(tokens.Cache.Read)*rates.Cache.Read/perMillion +
		float64(tokens.Cache.Write)*rates.Cache.Write/perMillion
}
