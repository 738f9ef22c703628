package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults for this project. No global
// write timeout: proxied responses for the document service can legitimately
// take up to that service's timeout budget.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
