//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/workbench/internal/config"
	"github.com/zeusync/workbench/internal/server"
)

func InitializeServer(cfg config.Config) (*server.Server, func(), error) {
	wire.Build(
		wire.FieldsOf(new(config.Config), "Server", "Protocol", "Locking", "Storage"),
		ProviderSet,
	)
	return nil, nil, nil
}
