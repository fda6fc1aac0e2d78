package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Router builds the HTTP routing table: health and metrics unauthenticated,
// the websocket endpoint authenticating via its handshake token, and the
// message API behind bearer-token middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/servers/{serverID}/channels/{channelID}/messages", s.handleCreateMessage).Methods(http.MethodPost)
	api.HandleFunc("/servers/{serverID}/channels/{channelID}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.handleStartConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{conversationID}/messages", s.handleSendDirectMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{conversationID}/messages", s.handleListDirectMessages).Methods(http.MethodGet)

	return r
}
