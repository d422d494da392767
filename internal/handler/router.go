package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"key-custody-service/internal/middleware"
)

// NewRouter はルーターを生成する。metrics が nil の場合は /metrics を公開しない。
func NewRouter(h *KeyHandler, httpMetrics *middleware.HTTPMetrics, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	if httpMetrics != nil {
		r.Use(httpMetrics.Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// ルート定義
	r.Route("/v1/keys", func(r chi.Router) {
		r.Get("/", h.ListKeys)
		r.Post("/", h.CreateKey)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetKey)
			r.Delete("/", h.DeleteKey)
			r.Post("/request", h.CreateRequest)
			r.Post("/certificate", h.AssignCertificate)
			r.Post("/sign", h.SignHash)
		})
	})

	return r
}
