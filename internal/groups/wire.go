package groups

import (
	"database/sql"

	"github.com/google/wire"
	"go.uber.org/zap"

	"parley/internal/conversations"
	"parley/internal/notify"
)

func ProvideRepository(db *sql.DB) Repository {
	return NewPostgresRepository(db)
}

func ProvideGroupConversations(registry *conversations.Registry) GroupConversations {
	return registry
}

func ProvideManager(repo Repository, conversations GroupConversations, notifier notify.Notifier, log *zap.SugaredLogger) *Manager {
	return NewManager(repo, conversations, notifier, log)
}

func ProvideJSONHandler(manager *Manager) *JSONHandler {
	return NewJSONHandler(manager)
}

var Set = wire.NewSet(ProvideRepository, ProvideGroupConversations, ProvideManager, ProvideJSONHandler)
