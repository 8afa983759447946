// Package analysis fronts the external risk-scoring engine with a
// content-addressed, version-aware cache.
package analysis

import (
	"context"
	"time"
)

// Request carries the normalized inputs for one risk analysis: the identity of
// the documents under review plus the structured deal parameters. OwnerID is
// passed to the scorer but excluded from cache keys, which are content
// addressed.
type Request struct {
	OwnerID         string   `json:"owner_id"`
	DocumentDigests []string `json:"document_digests"`
	AskingPrice     int64    `json:"asking_price"`
	BuyerProfile    string   `json:"buyer_profile"`
}

// Result is the scoring engine's output. The pipeline treats its contents as
// opaque.
type Result struct {
	RiskScore    float64   `json:"risk_score"`
	RiskCategory string    `json:"risk_category"`
	DealBreakers []string  `json:"deal_breakers,omitempty"`
	ComputedAt   time.Time `json:"computed_at"`
}

// Scorer is the external risk-scoring engine invoked on cache misses.
type Scorer interface {
	Score(ctx context.Context, req Request) (Result, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, req Request) (Result, error)

func (f ScorerFunc) Score(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
