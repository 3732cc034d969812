// Package provider defines the generation backend interface used by the
// metered endpoints. Generation runs between reservation and settlement, so
// implementations report actual usage for the final cost.
package provider

import (
	"context"

	"github.com/ventureforge/energy-gateway/internal/energy"
)

// Request describes one generation job.
type Request struct {
	UserID  string
	Feature string
	Model   string
	Prompt  string
}

// Response is the completed job plus the usage that drives settlement.
type Response struct {
	Output   string
	Provider string
	Model    string
	Usage    energy.TokenUsage
}

// Generator produces content for a metered feature.
type Generator interface {
	// Name identifies the backend in ledger entries and logs.
	Name() string

	// Generate runs the job. An error means nothing was produced and the
	// caller should refund its reservation.
	Generate(ctx context.Context, req Request) (Response, error)
}
