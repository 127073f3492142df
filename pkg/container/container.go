// Package container registers the API's request-time dependencies in an
// ectoinject container so route handlers can resolve them from the request
// context.
package container

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectoinject/loglevel"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/store"
	"github.com/Ramsey-B/fern/pkg/dedupe"
	"github.com/Ramsey-B/fern/pkg/intake"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/patients"
)

type Dependencies struct {
	Logger   ectologger.Logger
	Store    store.Store
	Dedupe   *dedupe.Service
	Merger   *merging.Engine
	Matcher  *intake.Matcher
	Patients *patients.Service
}

// New builds and registers the container under id. Every dependency is a
// singleton instance; a nil field is an error.
func New(id string, deps Dependencies) (ectocontainer.DIContainer, error) {
	if deps.Logger == nil || deps.Store == nil || deps.Dedupe == nil || deps.Merger == nil || deps.Matcher == nil || deps.Patients == nil {
		return nil, fmt.Errorf("container %s: every dependency is required", id)
	}

	cfg := ectoinject.DefaultContainerConfig
	cfg.ID = id
	cfg.AllowMissingDependencies = false
	cfg.LoggerConfig = &ectocontainer.DIContainerLoggerConfig{
		Prefix:   "ectoinject",
		LogLevel: loglevel.WARN,
		Enabled:  true,
		LogFunc:  logFunc(deps.Logger),
	}

	c, err := ectoinject.NewDIContainer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", id, err)
	}

	registrations := []func() error{
		func() error { return ectoinject.RegisterInstance[ectologger.Logger](c, deps.Logger) },
		func() error { return ectoinject.RegisterInstance[store.Store](c, deps.Store) },
		func() error { return ectoinject.RegisterInstance[*dedupe.Service](c, deps.Dedupe) },
		func() error { return ectoinject.RegisterInstance[*merging.Engine](c, deps.Merger) },
		func() error { return ectoinject.RegisterInstance[*intake.Matcher](c, deps.Matcher) },
		func() error { return ectoinject.RegisterInstance[*patients.Service](c, deps.Patients) },
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return nil, fmt.Errorf("failed to register dependency in container %s: %w", id, err)
		}
	}
	return c, nil
}

// logFunc routes container diagnostics through the service logger.
func logFunc(logger ectologger.Logger) func(ctx context.Context, level, msg string) {
	return func(ctx context.Context, level, msg string) {
		log := logger.WithContext(ctx).WithField("component", "ectoinject")
		if level == loglevel.WARN {
			log.Warn(msg)
			return
		}
		log.Debug(msg)
	}
}
