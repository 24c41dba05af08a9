// Package app assembles the proxy's Fx application.
package app

import (
	"context"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/macrolens/preproc-proxy/src/proxy/controller/pump"
	"github.com/macrolens/preproc-proxy/src/proxy/controller/rewrite"
	"github.com/macrolens/preproc-proxy/src/proxy/gateway/transport"
	"github.com/macrolens/preproc-proxy/src/proxy/internal/core"
	"github.com/macrolens/preproc-proxy/src/proxy/internal/derivedwatch"
	"github.com/macrolens/preproc-proxy/src/proxy/internal/fs"
	"github.com/macrolens/preproc-proxy/src/proxy/repository/documents"
	"github.com/macrolens/preproc-proxy/src/proxy/repository/pending"
)

// Module defines the preproc-proxy application module.
var Module = fx.Options(
	transport.Module,
	pump.Module,
	rewrite.Module,
	documents.Module,
	pending.Module,
	derivedwatch.Module,
	fs.Module,
	core.ConfigModule,
	core.LoggerModule,
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "preproc-proxy",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Invoke(run),
)

// run drives one proxy session and shuts the process down when it ends.
func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, p pump.Pump, logger *zap.SugaredLogger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := p.Run(ctx); err != nil {
					logger.Errorw("proxy session failed", "error", err)
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
