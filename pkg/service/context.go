package service

import (
	"context"

	"github.com/openfroyo/polemarch/pkg/engine"
)

type initiatorKey struct{}

// WithInitiator attaches the acting user or component to ctx.
func WithInitiator(ctx context.Context, initiator engine.Initiator) context.Context {
	return context.WithValue(ctx, initiatorKey{}, initiator)
}

// InitiatorFrom returns the initiator attached to ctx, or the system CLI.
func InitiatorFrom(ctx context.Context) engine.Initiator {
	if initiator, ok := ctx.Value(initiatorKey{}).(engine.Initiator); ok && initiator.Type != "" {
		return initiator
	}
	return engine.Initiator{Name: "system", Type: engine.InitiatorCLI}
}
