//go:build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"klines/internal/config"
)

func buildStackWithWire(ctx context.Context, cfg *config.Config) (*Stack, error) {
	wire.Build(provideBuilder, provideStackFromBuilder)
	return nil, nil
}

func buildServerWithWire(ctx context.Context, cfg *config.Config) (*Server, error) {
	wire.Build(provideBuilder, provideServerFromBuilder)
	return nil, nil
}
