package server

import (
	"context"
	"net/http"
	"time"
)

// NewHTTPServer creates the HTTP server with production timeout defaults.
// Write timeouts do not apply to websocket connections once the upgrade
// hijacks the underlying socket.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ShutdownHTTPServer gracefully shuts the HTTP server down, waiting for
// active requests up to the timeout.
func ShutdownHTTPServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(ctx)
}
