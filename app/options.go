package app

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/auth"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
)

// Option configures an App.
type Option func(*App)

// WithStore uses s instead of opening the configured driver.
func WithStore(s store.Store) Option {
	return func(a *App) {
		a.store = s
	}
}

// WithLogger overrides the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithEngineOption passes an entitle.Option through to the engine.
func WithEngineOption(opt entitle.Option) Option {
	return func(a *App) {
		a.engineOpts = append(a.engineOpts, opt)
	}
}

// WithPlugin registers an additional engine plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(a *App) {
		a.engineOpts = append(a.engineOpts, entitle.WithPlugin(p))
	}
}

// WithAuthenticator overrides the JWT authenticator built from config.
func WithAuthenticator(authn auth.Authenticator) Option {
	return func(a *App) {
		a.authn = authn
	}
}

// WithRegistry collects metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.registry = reg
	}
}
