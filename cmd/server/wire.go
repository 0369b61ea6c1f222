//go:build wireinject
// +build wireinject

package main

import (
	"database/sql"

	"github.com/google/wire"
	"go.uber.org/zap"

	"parley/config"
	"parley/internal/cache"
	"parley/internal/conversations"
	"parley/internal/database"
	"parley/internal/directory"
	"parley/internal/groups"
	"parley/internal/invitations"
	"parley/internal/messages"
	"parley/internal/notify"
)

var AppSet = wire.NewSet(
	notify.Set,
	directory.Set,
	conversations.Set,
	messages.Set,
	invitations.Set,
	groups.Set,
	ProvideJWT,
	ProvideFeed,
	ProvideSyncer,
	ProvideApp,
)

func InitializeApp(cfg *config.Config, db *sql.DB, gormDB *database.Database, redis *cache.RedisCache, log *zap.SugaredLogger) *App {
	wire.Build(AppSet)
	return &App{}
}
