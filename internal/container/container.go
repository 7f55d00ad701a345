package container

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"go-wanglab/internal/config"
	"go-wanglab/internal/extractor"
	"go-wanglab/internal/factory"
	"go-wanglab/internal/logger"
	"go-wanglab/internal/observer"
	"go-wanglab/internal/pipeline"
	"go-wanglab/internal/repository"
	"go-wanglab/internal/service"
	"go-wanglab/internal/transport"
)

// Container holds all application dependencies
type Container struct {
	config          *config.Config
	registry        *prometheus.Registry
	events          *observer.EventPublisher
	orchestrator    *pipeline.Orchestrator
	imageRepository repository.ImageRepository
	featureService  service.FeatureService
	handler         http.Handler
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config) (*Container, error) {
	components := factory.NewComponentFactory(cfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	events := observer.NewEventPublisher()
	events.Subscribe(observer.NewLoggingObserver(logger.Component("events")))
	events.Subscribe(observer.NewMetricsObserver(registry))

	// Build dependency graph
	sources, err := components.StorageFactory.Sources()
	if err != nil {
		return nil, fmt.Errorf("failed to build image sources: %w", err)
	}
	featureCache, err := components.CacheFactory.CreateCache()
	if err != nil {
		return nil, fmt.Errorf("failed to build feature cache: %w", err)
	}

	orchestrator := pipeline.New(extractor.New(), featureCache, events, pipeline.Options{
		Workers:   cfg.Workers,
		BatchSize: cfg.BatchSize,
	})
	imageRepository := repository.NewSchemeRepository(sources, events)
	featureService := service.NewFeatureService(imageRepository, orchestrator, components.ModelFactory, service.Options{
		RunTimeout: cfg.RunTimeout,
	})
	handler := transport.NewHandler(featureService, registry, cfg)

	logger.WithField("schemes", imageRepository.Schemes()).Info("Container initialised")

	return &Container{
		config:          cfg,
		registry:        registry,
		events:          events,
		orchestrator:    orchestrator,
		imageRepository: imageRepository,
		featureService:  featureService,
		handler:         handler,
	}, nil
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Close waits for in-flight event deliveries.
func (c *Container) Close() {
	c.events.Wait()
}
