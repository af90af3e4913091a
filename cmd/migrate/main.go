package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medrec.org/internal/auth"
	"medrec.org/internal/config"
	"medrec.org/internal/ids"
	"medrec.org/internal/migrate"
	"medrec.org/internal/obs"
	"medrec.org/internal/store/pg"
)

const usage = "usage: migrate [-config FILE] [-dsn DSN] up|down|status|pending|seed|bootstrap-admin"

type options struct {
	configPath    string
	dsn           string
	adminEmail    string
	adminPassword string
	timeout       time.Duration
}

func main() {
	log := obs.Logger()
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "yaml config; only the argon2 section is read")
	flag.StringVar(&opts.dsn, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
	flag.StringVar(&opts.adminEmail, "email", os.Getenv("MEDREC_ADMIN_EMAIL"), "bootstrap-admin: email of the first administrator")
	flag.StringVar(&opts.adminPassword, "password", os.Getenv("MEDREC_ADMIN_PASSWORD"), "bootstrap-admin: initial password")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	if err := run(log, opts, flag.Arg(0)); err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("migrate failed")
	}
}

func run(log zerolog.Logger, opts options, cmd string) error {
	if opts.dsn == "" {
		return errors.New("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if cmd == "" {
		return errors.New(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	store, err := pg.Open(opts.dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrate.WithLogger(log))

	switch cmd {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "seed":
		return mgr.Seed(ctx)
	case "status":
		history, err := mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
		return err
	case "pending":
		pending, err := mgr.Pending(ctx)
		for _, item := range pending {
			fmt.Println(item)
		}
		return err
	case "bootstrap-admin":
		params, err := config.LoadArgon2(opts.configPath)
		if err != nil {
			return err
		}
		return bootstrapAdmin(ctx, store, auth.NewArgon2Hasher(params), log, opts.adminEmail, opts.adminPassword)
	default:
		return fmt.Errorf("unknown command %q: %s", cmd, usage)
	}
}

// bootstrapAdmin creates the first administrator. It is a no-op when the
// email is already registered.
func bootstrapAdmin(ctx context.Context, store *pg.Store, hasher auth.Hasher, log zerolog.Logger, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return errors.New("-email is required")
	}
	if len(password) < 12 {
		return errors.New("-password must be at least 12 characters")
	}

	rbac, err := auth.NewRBACService(store)
	if err != nil {
		return err
	}
	if err := rbac.EnsureBuiltins(ctx); err != nil {
		return err
	}
	role, err := store.FindRoleByName(ctx, auth.RoleAdmin)
	if err != nil {
		return fmt.Errorf("find admin role: %w", err)
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		return err
	}
	identity := auth.Identity{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  "Administrator",
		RoleID:       role.ID,
		Active:       true,
	}
	err = store.Create(ctx, &identity)
	switch {
	case errors.Is(err, auth.ErrConflict):
		log.Info().Str("email", email).Msg("administrator already exists")
		return nil
	case err != nil:
		return err
	}
	log.Info().Str("identity_id", identity.ID).Msg("administrator created")
	return nil
}
