// Package logging builds the structured logger shared by every component
// that accepts a *zap.Logger (bus.Redis, registry.Registry,
// gateway.Gateway), grounded on
// the zap usage pulled in from the examples pack's worker-pool code.
package logging

import "go.uber.org/zap"

// New builds a production logger, or a development one (human-readable,
// caller-annotated) when verbose is set.
func New(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
