package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/relay-api/internal/api"
	apiMiddleware "github.com/phrazzld/relay-api/internal/api/middleware"
	"github.com/phrazzld/relay-api/internal/proxy"
	"github.com/phrazzld/relay-api/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// routeDeps are the collaborators the router mounts.
type routeDeps struct {
	Tasks    service.TaskService
	Poller   api.Poller
	Receiver api.WebhookReceiver
	// Archive is nil when archival is disabled.
	Archive  api.ArchiveChecker
	Keys     apiMiddleware.KeyAuthenticator
	Relay    http.Handler
	Verifier apiMiddleware.SignatureVerifier
	Gatherer prometheus.Gatherer

	AdminToken string
	PublicURL  string
	Logger     *slog.Logger
}

// setupRouter mounts the application's components.
func (app *application) setupRouter() http.Handler {
	deps := routeDeps{
		Tasks:      app.tasks,
		Poller:     app.poller,
		Receiver:   app.receiver,
		Keys:       app.authn,
		Relay:      app.relay,
		Verifier:   app.verifier,
		Gatherer:   app.gatherer,
		AdminToken: app.config.Auth.AdminToken,
		PublicURL:  app.config.Server.PublicURL,
		Logger:     app.logger,
	}
	if app.archive != nil {
		deps.Archive = app.archive
	}
	return newRouter(deps)
}

// newRouter creates the chi router with all routes and middleware, wrapped
// in the inbound tracing handler.
func newRouter(d routeDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware(d.Logger))

	taskHandler := api.NewTaskHandler(d.Tasks, d.Logger)
	webhookHandler := api.NewWebhookHandler(d.Receiver, d.Logger)
	pollHandler := api.NewPollHandler(d.Poller, d.Logger)
	adminHandler := api.NewAdminHandler(d.Archive, d.Logger)

	authMiddleware := apiMiddleware.NewAuthMiddleware(d.Keys)
	guard := apiMiddleware.NewAdminGuard(d.AdminToken, d.Verifier, d.PublicURL)

	r.Route("/api", func(r chi.Router) {
		r.With(authMiddleware.Authenticate).Post("/task", taskHandler.CreateTask)
		r.Post("/webhook/freepik", webhookHandler.Freepik)

		// Scheduler callbacks.
		r.With(guard.RequireSignature).Post("/poll", pollHandler.Sweep)
		r.With(guard.RequireSignature).Post("/poll/task", pollHandler.PollTask)

		r.Route("/admin", func(r chi.Router) {
			r.With(guard.RequireTokenOrSignature).Post("/submit", taskHandler.Submit)
			r.Group(func(r chi.Router) {
				r.Use(guard.RequireToken)
				r.Post("/poll", pollHandler.Sweep)
				r.Get("/archive/check", adminHandler.ArchiveCheck)
			})
		})
	})

	// The relay authenticates callers itself.
	r.Handle(proxy.PathPrefix+"*", d.Relay)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			d.Logger.Error("failed to write health check response", "error", err)
		}
	})
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	return otelhttp.NewHandler(r, "relay-api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/metrics"
		}))
}
