package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sideloadd/pkg/cas"
	"sideloadd/pkg/render"
)

// API wires the release registry, blob store, job queue, and upstream
// release listing behind the HTTP handlers.
type API struct {
	registry Registry
	blobs    cas.Store
	queue    JobQueue
	releases ReleaseLister
	pages    *render.Engine
	config   Config
	logger   *log.Logger
}

// New initialises the API layer from the dependency store and configuration.
func New(store *Store, cfg Config, logger *log.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.DB == nil {
		return nil, errors.New("store DB is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	if store.Blobs == nil {
		return nil, errors.New("store blob store is required")
	}
	if store.Bus == nil {
		return nil, errors.New("store bus is required")
	}

	registry, err := NewRegistry(store.DB, store.ORM)
	if err != nil {
		return nil, err
	}

	pages, err := render.New()
	if err != nil {
		return nil, err
	}

	return &API{
		registry: registry,
		blobs:    store.Blobs,
		queue:    store.Bus,
		releases: NewGitHubClient(cfg.GitHubAPIBase, cfg.Repo, cfg.GitHubToken),
		pages:    pages,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/", a.handleIndex)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/webhooks/github", a.handleWebhook)

		r.Get("/releases", a.handleListReleases)
		r.Post("/releases", a.handleRegisterRelease)
		r.Get("/releases/latest", a.handleLatestRelease)
		r.Get("/releases/{id}", a.handleGetRelease)
		r.Post("/releases/{id}/download", a.handleTriggerDownload)
		r.Delete("/releases/{id}", a.handleDeleteRelease)

		r.Get("/artifacts", a.handleListArtifacts)
		r.Get("/artifacts/{digest}", a.handleGetArtifact)
		r.Put("/artifacts/{digest}", a.handlePutArtifact)

		r.Get("/backfill/status", a.handleBackfillStatus)
		r.Post("/backfill/run", a.handleRunBackfill)
	})

	return r, nil
}

func (a *API) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}
