// Package router wires the HTTP surface: public health and metrics,
// the model catalog, and the admitted LLM endpoints.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amerfu/aigateway/internal/config"
	"github.com/amerfu/aigateway/internal/handlers"
	"github.com/amerfu/aigateway/internal/middleware"
)

type Dependencies struct {
	Admission   *middleware.Admission
	LLM         *handlers.LLMHandler
	Messages    *handlers.MessagesHandler
	Models      *handlers.ModelsHandler
	Attestation *handlers.AttestationHandler
	CORS        config.CORSConfig
	Logger      *zap.Logger
}

func New(deps *Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Metrics)
	r.Use(cors.Handler(corsOptions(deps.CORS)))

	r.Get("/health", handlers.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The catalog needs no model parameter, so it sits outside
		// admission.
		r.Get("/models", deps.Models.List)
		r.Get("/models/{provider}", deps.Models.List)

		r.Group(func(r chi.Router) {
			r.Use(deps.Admission.Middleware)

			r.Post("/chat/completions", deps.LLM.ChatCompletions)
			r.Post("/completions", deps.LLM.Completions)
			r.Post("/embeddings", deps.LLM.Embeddings)
			r.Post("/messages", deps.Messages.Messages)

			r.Get("/attestation/report", deps.Attestation.Report)
			r.Get("/signature/{hash}", deps.Attestation.Signature)
		})
	})

	return r
}

func corsOptions(cfg config.CORSConfig) cors.Options {
	opts := cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if len(opts.AllowedMethods) == 0 {
		opts.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(opts.AllowedHeaders) == 0 {
		opts.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type", "anthropic-version"}
	}
	return opts
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("Request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
