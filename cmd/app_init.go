package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/versified/issuer-enrichment/internal/dispatch"
	"github.com/versified/issuer-enrichment/internal/enrichment"
	"github.com/versified/issuer-enrichment/internal/llm"
	"github.com/versified/issuer-enrichment/internal/store"
	"github.com/versified/issuer-enrichment/internal/telemetry"
)

// appEnv holds the store, gateway, dispatch backend and services shared by
// the commands.
type appEnv struct {
	Store    store.Store
	Gateway  *llm.Gateway
	Backend  *dispatch.Backend
	Pipeline *enrichment.Pipeline
	Service  *enrichment.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Backend != nil {
		e.Backend.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp validates cfg for mode and wires the application. Admin commands
// never dial the broker; requireBroker makes an unreachable broker fatal.
// Callers should defer env.Close().
func initApp(ctx context.Context, mode string, requireBroker bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	env := &appEnv{Store: st}

	gw, err := llm.New(ctx, cfg)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init llm gateway")
	}
	env.Gateway = gw

	if mode == "admin" {
		env.Backend = &dispatch.Backend{Dispatcher: dispatch.Embedded{}}
	} else {
		backend, err := dispatch.Open(cfg, requireBroker)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Backend = backend
	}

	env.Pipeline = enrichment.NewPipeline(st, gw,
		enrichment.WithMetrics(telemetry.DefaultMetrics()),
		enrichment.WithWebMaxResults(cfg.Enrichment.WebMaxResults),
	)
	env.Service = enrichment.NewService(st, gw, env.Backend.Dispatcher, enrichment.Defaults{
		TTLSeconds:    cfg.Enrichment.DefaultTTLSecs,
		WebMaxResults: cfg.Enrichment.WebMaxResults,
	})

	cred := gw.Credential()
	zap.L().Debug("app initialized",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.String("provider", gw.Provider()),
		zap.String("key_fp", cred.Fingerprint),
		zap.String("key_src", cred.Source),
		zap.Bool("embedded_worker", env.Backend.Embedded()),
	)
	return env, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
