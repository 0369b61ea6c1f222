package invitations

import (
	"database/sql"

	"github.com/google/wire"
	"go.uber.org/zap"

	"parley/internal/conversations"
	"parley/internal/directory"
	"parley/internal/notify"
)

func ProvideRepository(db *sql.DB) Repository {
	return NewPostgresRepository(db)
}

func ProvideResolver(service *directory.Service) Resolver {
	return service
}

func ProvideDirectConversations(registry *conversations.Registry) DirectConversations {
	return registry
}

func ProvideEmailSender(sender *notify.EmailSender) EmailSender {
	return sender
}

func ProvideCoordinator(repo Repository, resolver Resolver, conversations DirectConversations, notifier notify.Notifier, email EmailSender, log *zap.SugaredLogger) *Coordinator {
	return NewCoordinator(repo, resolver, conversations, notifier, email, log)
}

func ProvideJSONHandler(coordinator *Coordinator) *JSONHandler {
	return NewJSONHandler(coordinator)
}

var Set = wire.NewSet(ProvideRepository, ProvideResolver, ProvideDirectConversations, ProvideEmailSender, ProvideCoordinator, ProvideJSONHandler)
