package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cloud-admin/internal/auth"
	"cloud-admin/internal/config"
	"cloud-admin/internal/console"
	"cloud-admin/internal/logger"
	"cloud-admin/internal/modules"
	"cloud-admin/internal/protocol"
)

const shutdownTimeout = 5 * time.Second

func newMasterCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "master",
		Short: "Run the master: accept monitors and admin clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMaster(cmd.Context())
		},
	}
	c.AddCommand(newUsersCmd())
	return c
}

func runMaster(parent context.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openUserStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.ServerSecret == "" {
		log.Warn("no server secret configured, every monitor is accepted")
	}
	tokens := auth.ServerTokens{Secret: []byte(cfg.ServerSecret)}

	svc := console.NewMaster(console.MasterOptions{
		Addr:       cfg.Master.Listen,
		Env:        cfg.Env,
		AuthUser:   auth.AuthUser(store),
		AuthServer: tokens.Verify,
		BufferTTL:  config.Seconds(cfg.Master.BufferTTL),
		Registerer: reg,
		Logger:     log,
		Events: console.Events{
			OnRegister: func(info protocol.ServerInfo) {
				log.Info("server registered", logger.ServerID(info.ID), logger.ServerType(info.ServerType))
			},
			OnReconnect: func(info protocol.ServerInfo) {
				log.Info("server reconnected", logger.ServerID(info.ID), logger.ServerType(info.ServerType))
			},
			OnDisconnect: func(id, typ string, _ protocol.ServerInfo) {
				log.Info("peer disconnected", logger.ServerID(id), zap.String("type", typ))
			},
		},
	})
	if err := svc.Register("", &modules.Console{OnSignal: modules.ForwardSignal}); err != nil {
		return err
	}
	if err := svc.Register("", modules.NewServerInfo()); err != nil {
		return err
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()
	log.Info("master started", logger.Addr(cfg.Master.Listen))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Master.HTTP != "" {
		srv := &http.Server{
			Addr:              cfg.Master.HTTP,
			Handler:           newRouter(reg, svc),
			ReadHeaderTimeout: shutdownTimeout,
		}
		g.Go(func() error {
			log.Info("http listening", logger.Addr(cfg.Master.HTTP))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("master shutting down")
		return nil
	})
	return g.Wait()
}

// newRouter serves the master's metrics and health.
func newRouter(reg *prometheus.Registry, svc *console.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if m, ok := svc.Agent().Master(); ok && m.Addr() != "" {
			_, _ = io.WriteString(w, "ok\n")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "not listening\n")
	})
	return r
}

// openUserStore picks the sqlite store when a database is configured and
// the configured user list otherwise. Configured users are upserted into
// the database.
func openUserStore(ctx context.Context, cfg *config.Config) (auth.UserStore, func(), error) {
	if cfg.Master.UsersDB == "" {
		return auth.NewStaticUsers(cfg.Master.Users), func() {}, nil
	}
	db, err := auth.OpenSQLiteUsers(cfg.Master.UsersDB)
	if err != nil {
		return nil, nil, err
	}
	for _, u := range cfg.Master.Users {
		if err := db.Upsert(ctx, u); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	return db, func() { _ = db.Close() }, nil
}

func newUsersCmd() *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage admin accounts in the users database",
	}

	var level int
	add := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Add or update an account; the password is stored as a bcrypt hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsersDB(func(db *auth.SQLiteUsers) error {
				hash, err := auth.HashPassword(args[1])
				if err != nil {
					return err
				}
				return db.Upsert(cmd.Context(), auth.User{Username: args[0], Password: hash, Level: level})
			})
		},
	}
	add.Flags().IntVar(&level, "level", 1, "account level, 1 may run commands")

	remove := &cobra.Command{
		Use:   "remove <username>",
		Short: "Remove an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsersDB(func(db *auth.SQLiteUsers) error {
				return db.Remove(cmd.Context(), args[0])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withUsersDB(func(db *auth.SQLiteUsers) error {
				list, err := db.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, u := range list {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tlevel=%d\n", u.Username, u.Level)
				}
				return nil
			})
		},
	}

	secret := &cobra.Command{
		Use:   "secret",
		Short: "Print a random server secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := auth.GenerateSecret(32)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}

	users.AddCommand(add, remove, list, secret)
	return users
}

func withUsersDB(fn func(db *auth.SQLiteUsers) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Master.UsersDB == "" {
		return errors.New("master.users_db is not configured")
	}
	db, err := auth.OpenSQLiteUsers(cfg.Master.UsersDB)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}
