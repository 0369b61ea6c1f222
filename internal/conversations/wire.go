package conversations

import (
	"database/sql"

	"github.com/google/wire"
	"go.uber.org/zap"

	"parley/internal/directory"
	"parley/internal/notify"
)

func ProvideRepository(db *sql.DB) Repository {
	return NewPostgresRepository(db)
}

func ProvideProfiles(service *directory.Service) Profiles {
	return service
}

func ProvideRegistry(repo Repository, profiles Profiles, notifier notify.Notifier, log *zap.SugaredLogger) *Registry {
	return NewRegistry(repo, profiles, notifier, log)
}

func ProvideJSONHandler(registry *Registry) *JSONHandler {
	return NewJSONHandler(registry)
}

var Set = wire.NewSet(ProvideRepository, ProvideProfiles, ProvideRegistry, ProvideJSONHandler)
