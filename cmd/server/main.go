package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"exchange-service/internal/config"
	"exchange-service/internal/factory"
	"exchange-service/internal/handler"
	"exchange-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := setupRouter(f)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	servers := buildServers(f, cfg, router)

	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			return serve(srv)
		})
	}

	g.Go(func() error {
		return f.ServiceFactory().ExpirySweeper().Run(gctx)
	})

	g.Go(func() error {
		return f.EventDispatcher().Run(gctx)
	})

	if recorder := f.EventRecorder(); recorder != nil {
		g.Go(func() error {
			return recorder.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Int("listeners", len(servers)),
	)

	if err := g.Wait(); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
	util.Info("Server shutdown completed")
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	services := f.ServiceFactory()
	deps := handler.RouterDeps{
		Exchange: handler.NewExchangeHandler(services, util.Get()),
		Stream:   handler.NewSessionStream(services.PairingMatcher(), services.Notifier(), util.Get()),
		Tokens:   f.TokenManager(),
		Health:   f,
	}
	if limiter := f.RateLimiter(); limiter != nil {
		deps.Limiter = limiter
	}
	return handler.NewRouter(f.Config(), deps, util.Get())
}

// buildServers returns the API listener and, with TLS, a plain HTTP
// listener for ACME challenges and redirects.
func buildServers(f *factory.Factory, cfg *config.Config, router http.Handler) []*http.Server {
	api := &http.Server{
		Addr:        cfg.GetServerAddress(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero so websocket streams are not cut; the
		// router applies a request timeout to everything else.
		IdleTimeout: cfg.Server.IdleTimeout,
	}
	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.String("address", api.Addr),
		)
		return []*http.Server{api}
	}

	tlsManager := f.TLSManager()
	api.Addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TLSPort)
	api.TLSConfig = tlsManager.GetTLSConfig()

	redirect := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           tlsManager.HTTPHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.Int("port", cfg.Server.TLSPort),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)
	return []*http.Server{api, redirect}
}

func serve(srv *http.Server) error {
	var err error
	if srv.TLSConfig != nil {
		// Certificates come from TLSConfig.GetCertificate.
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server %s failed: %w", srv.Addr, err)
	}
	return nil
}
