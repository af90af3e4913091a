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

	"medrec.org/internal/auth"
	"medrec.org/internal/config"
	"medrec.org/internal/httpapi"
	"medrec.org/internal/obs"
	"medrec.org/internal/store/memory"
	"medrec.org/internal/store/pg"
	"medrec.org/internal/store/redisstore"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	log := obs.Logger()
	if err := run(); err != nil {
		if errors.Is(err, auth.ErrMisconfigured) {
			log.Fatal().Err(err).Msg("refusing to start: misconfigured")
		}
		log.Fatal().Err(err).Msg("api_exited")
	}
}

// probes checks every backing store in turn.
type probes []httpapi.ReadyProbe

func (p probes) Ping(ctx context.Context) error {
	for _, probe := range p {
		if err := probe.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

type redisProbe struct {
	ping func(ctx context.Context) error
}

func (r redisProbe) Ping(ctx context.Context) error { return r.ping(ctx) }

func run() error {
	path, err := config.PathFromFlags(os.Args[1:])
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("%w: %w", auth.ErrMisconfigured, err)
	}

	obs.SetLevel(cfg.Log.Level)
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		identities auth.IdentityStore
		roles      auth.RoleStore
		ready      probes
	)
	if cfg.DB.URL != "" {
		store, err := pg.Open(cfg.DB.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = store.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		identities, roles = store, store
		ready = append(ready, store)
		log.Info().Msg("store: postgres")
	} else {
		store := memory.New()
		identities, roles = store, store
		log.Warn().Msg("store: in-memory, data is lost on restart")
	}

	var limiter auth.LoginLimiter = auth.NewMemoryLimiter(cfg.Lockout.MaxAttempts, cfg.Lockout.Window).
		WithCapacity(cfg.Lockout.MaxEntries)
	if cfg.Redis.URL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := redisstore.Connect(connectCtx, cfg.Redis.URL)
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		limiter = redisstore.NewLimiter(rdb, cfg.Lockout.MaxAttempts, cfg.Lockout.Window)
		ready = append(ready, redisProbe{ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
		log.Info().Msg("login limiter: redis")
	}

	issuer, err := auth.NewTokenIssuer(cfg.Tokens())
	if err != nil {
		return err
	}
	svc, err := auth.NewService(identities, roles, issuer,
		auth.WithHasher(auth.NewArgon2Hasher(cfg.Argon2Params())),
		auth.WithLimiter(limiter),
		auth.WithLogger(log),
		auth.WithDefaultRole(cfg.Auth.DefaultRole),
	)
	if err != nil {
		return err
	}
	rbac, err := auth.NewRBACService(roles)
	if err != nil {
		return err
	}
	if err := rbac.EnsureBuiltins(ctx); err != nil {
		return fmt.Errorf("seed builtin roles: %w", err)
	}

	var probe httpapi.ReadyProbe
	if len(ready) > 0 {
		probe = ready
	}
	api, err := httpapi.New(svc, rbac, probe, httpapi.Options{
		Version:          version,
		StrictRevocation: cfg.Auth.StrictRevocation,
		MaxBodyBytes:     cfg.HTTP.MaxBodyBytes,
		RatePerSecond:    cfg.HTTP.RateLimitRPS,
		RateBurst:        cfg.HTTP.RateLimitBurst,
		TrustedProxies:   cfg.HTTP.TrustedProxies,
		Logger:           &log,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).
			Bool("strict_revocation", cfg.Auth.StrictRevocation).
			Msg("medrec-api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("stopped")
	return nil
}
