/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the crew ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

SUBCOMMANDS:
  serve            Run the HTTP server (default)
  migrate          Migrate the database to head and exit
  seed-admin       Create the first admin user (SEED_ADMIN_USER/_PASSWORD)
  backup           Take a hot backup and exit
  restore <file>   Restore a named backup and exit

CONFIGURATION:
  Everything comes from the environment; see the config package for the
  variable list. serve refuses to start without JWT_SECRET and
  INTERNAL_ADMIN_SECRET.

SIGNALS:
  SIGINT/SIGTERM   Graceful shutdown: stop accepting, drain 30s, close.
  SIGHUP           Reload the pricing rules file in place. A broken file
                   is logged and the previous rules stay live.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment variables
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/crew-ledger/api"
	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/auth"
	"github.com/warp/crew-ledger/backup"
	"github.com/warp/crew-ledger/config"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/metrics"
	"github.com/warp/crew-ledger/pricing"
	"github.com/warp/crew-ledger/store/sqlite"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		if err := cfg.Validate(); err != nil {
			log.Fatal(err)
		}
		serve(cfg)
	case "migrate":
		store := mustStore(cfg, nil)
		defer store.Close()
		version, err := store.SchemaVersion(context.Background())
		if err != nil {
			log.Fatalf("schema version: %v", err)
		}
		log.Printf("database at %s migrated to schema %d", cfg.DBPath, version)
	case "seed-admin":
		seedAdmin(cfg)
	case "backup":
		store := mustStore(cfg, nil)
		defer store.Close()
		entry, err := backup.NewManager(store, cfg.BackupsDir).Create(context.Background())
		if err != nil {
			log.Fatalf("backup: %v", err)
		}
		log.Printf("backup written: %s sha256=%s size=%d", entry.File, entry.SHA256, entry.Size)
	case "restore":
		if len(os.Args) < 3 {
			log.Fatal("usage: server restore <backup-file>")
		}
		store := mustStore(cfg, nil)
		defer store.Close()
		if err := backup.NewManager(store, cfg.BackupsDir).Restore(context.Background(), os.Args[2]); err != nil {
			log.Fatalf("restore: %v", err)
		}
		log.Printf("restored %s", os.Args[2])
	default:
		log.Fatalf("unknown command %q (serve|migrate|seed-admin|backup|restore)", cmd)
	}
}

func mustStore(cfg config.Config, sink *metrics.Sink) *sqlite.Store {
	store, err := sqlite.New(cfg.DBPath, sink)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	return store
}

// seedAdmin bootstraps the first admin so the API has someone to log in
// as. Idempotent per username: an existing credential aborts.
func seedAdmin(cfg config.Config) {
	username := os.Getenv("SEED_ADMIN_USER")
	password := os.Getenv("SEED_ADMIN_PASSWORD")
	if username == "" || password == "" {
		log.Fatal("seed-admin requires SEED_ADMIN_USER and SEED_ADMIN_PASSWORD")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	store := mustStore(cfg, nil)
	defer store.Close()

	err = store.WithTx(context.Background(), func(sess *sqlite.Session) error {
		if _, err := sess.GetCredentialByUsername(username); err == nil {
			return fmt.Errorf("username %q already exists", username)
		} else if !domain.IsNotFound(err) {
			return err
		}
		user, err := sess.CreateUser(domain.User{
			Name:   username,
			Role:   domain.RoleAdmin,
			Status: domain.UserActive,
		})
		if err != nil {
			return err
		}
		if err := sess.SaveCredential(domain.Credential{
			UserID:       user.ID,
			Username:     username,
			PasswordHash: hash,
		}); err != nil {
			return err
		}
		entry, err := audit.New("seed-admin", "user.seed_admin", "user", &user.ID, nil, audit.OutcomeApplied, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit("user.seed_admin", map[string]any{"user_id": user.ID})
		return nil
	})
	if err != nil {
		log.Fatalf("seed-admin: %v", err)
	}
	log.Printf("admin %q created", username)
}

func serve(cfg config.Config) {
	sink := metrics.NewSink(cfg.MetricsDir)
	defer sink.Close()

	store := mustStore(cfg, sink)
	defer store.Close()

	engine, err := pricing.NewEngine(cfg.PricingRulesPath)
	if err != nil {
		log.Fatalf("failed to load pricing rules: %v", err)
	}

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTAccessTTL, cfg.JWTRefreshTTL)
	handler := api.NewHandler(store, issuer, engine, cfg)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // bulk verdicts and CSV exports run long
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server starting on http://localhost:%d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// SIGHUP reloads pricing rules without a restart.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := engine.Reload(); err != nil {
				log.Printf("rules reload failed, keeping previous set: %v", err)
				continue
			}
			rs := engine.Rules()
			log.Printf("rules reloaded: version=%d sha=%s", rs.Version, rs.SHA)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("server stopped")
}
