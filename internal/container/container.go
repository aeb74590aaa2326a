package container

import (
	"fmt"
	"net/http"

	"plantmeds/internal/config"
	"plantmeds/internal/diagnosis"
	"plantmeds/internal/intake"
	"plantmeds/internal/logger"
	"plantmeds/internal/observer"
	"plantmeds/internal/prediction"
	"plantmeds/internal/session"
	"plantmeds/internal/transport"
	"plantmeds/pkg/validation"
)

// Container holds all application dependencies
type Container struct {
	config    *config.Config
	previews  *intake.PreviewStore
	intake    *intake.Intake
	predictor prediction.Predictor
	events    *observer.EventPublisher
	metrics   *observer.MetricsObserver
	sessions  *session.Store
	handler   http.Handler
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config) (*Container, error) {
	client, err := prediction.NewClient(cfg.PredictionURL, cfg.PredictionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction client: %w", err)
	}
	return NewContainerWithPredictor(cfg, client)
}

// NewContainerWithPredictor builds the dependency graph around a given predictor
func NewContainerWithPredictor(cfg *config.Config, predictor prediction.Predictor) (*Container, error) {
	previews := intake.NewPreviewStore()
	imageIntake := intake.New(previews, validation.NewMediaTypeValidator(cfg.MaxUploadSize))

	events := observer.NewEventPublisher()
	metrics := observer.NewMetricsObserver()
	events.Subscribe(observer.NewLoggingObserver(logger.Logger))
	events.Subscribe(metrics)

	sessions := session.NewStore(cfg.SessionTTL, func(id string) *diagnosis.View {
		return diagnosis.NewView(id, imageIntake, predictor, events, cfg.PredictionTimeout)
	})

	handler, err := transport.NewHandler(sessions, previews, metrics, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}

	return &Container{
		config:    cfg,
		previews:  previews,
		intake:    imageIntake,
		predictor: predictor,
		events:    events,
		metrics:   metrics,
		sessions:  sessions,
		handler:   handler,
	}, nil
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Sessions returns the session store
func (c *Container) Sessions() *session.Store {
	return c.sessions
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}
