package main

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"parley/config"
	"parley/internal/changefeed"
	"parley/internal/conversations"
	"parley/internal/directory"
	"parley/internal/groups"
	"parley/internal/invitations"
	"parley/internal/messages"
	"parley/internal/notify"
	syncer "parley/internal/sync"
	"parley/pkg/jwt"
)

// App bundles the wired components and HTTP handlers.
type App struct {
	Config *config.Config
	Log    *zap.SugaredLogger
	Tokens *jwt.JWT

	Feed     changefeed.Feed
	Syncer   *syncer.Syncer
	Notifier *notify.ChannelNotifier

	Registry    *conversations.Registry
	Store       *messages.Store
	Coordinator *invitations.Coordinator
	Manager     *groups.Manager

	DirectoryHandler     *directory.JSONHandler
	InvitationsHandler   *invitations.JSONHandler
	ConversationsHandler *conversations.JSONHandler
	MessagesHandler      *messages.JSONHandler
	GroupsHandler        *groups.JSONHandler
}

func ProvideJWT(cfg *config.Config) *jwt.JWT {
	return jwt.NewJWT([]byte(cfg.JWT.Secret), cfg.JWT.ExpireSeconds)
}

func ProvideFeed(cfg *config.Config, db *sql.DB, log *zap.SugaredLogger) changefeed.Feed {
	return changefeed.NewPostgresFeed(db, cfg.Database.URL, log)
}

// ProvideSyncer builds the feed consumer with every stateful component
// routed by the tables it owns.
func ProvideSyncer(
	feed changefeed.Feed,
	store *messages.Store,
	registry *conversations.Registry,
	coordinator *invitations.Coordinator,
	manager *groups.Manager,
	log *zap.SugaredLogger,
) *syncer.Syncer {
	s := syncer.NewSyncer(feed, log)
	s.Route(store, "messages", "message_reactions")
	s.Route(registry, "conversations", "conversation_participants", "read_markers")
	s.Route(coordinator, "invitations")
	s.Route(manager, "groups", "group_members", "group_join_requests", "group_invites")
	return s
}

func ProvideApp(
	cfg *config.Config,
	log *zap.SugaredLogger,
	tokens *jwt.JWT,
	feed changefeed.Feed,
	sync *syncer.Syncer,
	channel *notify.ChannelNotifier,
	registry *conversations.Registry,
	store *messages.Store,
	coordinator *invitations.Coordinator,
	manager *groups.Manager,
	directoryHandler *directory.JSONHandler,
	invitationsHandler *invitations.JSONHandler,
	conversationsHandler *conversations.JSONHandler,
	messagesHandler *messages.JSONHandler,
	groupsHandler *groups.JSONHandler,
) *App {
	return &App{
		Config:               cfg,
		Log:                  log,
		Tokens:               tokens,
		Feed:                 feed,
		Syncer:               sync,
		Notifier:             channel,
		Registry:             registry,
		Store:                store,
		Coordinator:          coordinator,
		Manager:              manager,
		DirectoryHandler:     directoryHandler,
		InvitationsHandler:   invitationsHandler,
		ConversationsHandler: conversationsHandler,
		MessagesHandler:      messagesHandler,
		GroupsHandler:        groupsHandler,
	}
}

// Start brings the app's stateful components up: live feed delivery, then
// hydration, then the sync loop in the background.
func (a *App) Start(ctx context.Context) error {
	if err := a.Feed.Start(ctx); err != nil {
		return err
	}
	// Head is captured before hydration: the snapshot read next covers at
	// least everything up to it, so the sync loop resumes after it instead
	// of re-applying the whole history on top of hydrated state.
	head, err := a.Feed.Head(ctx)
	if err != nil {
		return err
	}
	if err := a.Registry.Hydrate(ctx); err != nil {
		return err
	}
	if err := a.Manager.Hydrate(ctx); err != nil {
		return err
	}
	a.Syncer.Resume(head)
	go func() {
		for ctx.Err() == nil {
			if err := a.Syncer.Run(ctx); err != nil && ctx.Err() == nil {
				// Run resumes from the last confirmed sequence, so a restart
				// backfills whatever the outage missed.
				a.Log.Errorw("sync loop stopped, restarting", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	}()
	return nil
}
