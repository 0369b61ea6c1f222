package messages

import (
	"database/sql"

	"github.com/google/wire"
	"go.uber.org/zap"

	"parley/internal/conversations"
)

func ProvideRepository(db *sql.DB) Repository {
	return NewPostgresRepository(db)
}

func ProvideRegistryHook(registry *conversations.Registry) RegistryHook {
	return registry
}

func ProvideStore(repo Repository, hook RegistryHook, log *zap.SugaredLogger) *Store {
	return NewStore(repo, hook, log)
}

func ProvideJSONHandler(store *Store) *JSONHandler {
	return NewJSONHandler(store)
}

var Set = wire.NewSet(ProvideRepository, ProvideRegistryHook, ProvideStore, ProvideJSONHandler)
