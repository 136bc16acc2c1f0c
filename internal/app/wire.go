//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"histfetch/internal/config"

	"github.com/google/wire"
)

var providerSet = wire.NewSet(
	provideEntityLoader,
	provideProgressStore,
	provideLimiter,
	provideSource,
	provideWriter,
	provideLedger,
	provideMetrics,
	provideService,
	newApp,
)

func buildAppWithWire(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	wire.Build(providerSet)
	return nil, nil, nil
}
