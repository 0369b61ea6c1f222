package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"parley/internal/api"
	"parley/internal/conversations"
	"parley/internal/directory"
	"parley/internal/groups"
	"parley/internal/invitations"
	"parley/internal/messages"
)

func newRouter(app *App) *mux.Router {
	r := mux.NewRouter()
	r.Use(api.Logger(app.Log))

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	authed := r.NewRoute().Subrouter()
	authed.Use(api.AuthMiddleware(app.Tokens))

	directory.SetupJSONRoutes(authed, app.DirectoryHandler)
	invitations.SetupJSONRoutes(authed, app.InvitationsHandler)
	conversations.SetupJSONRoutes(authed, app.ConversationsHandler)
	messages.SetupJSONRoutes(authed, app.MessagesHandler)
	groups.SetupJSONRoutes(authed, app.GroupsHandler)

	return r
}
