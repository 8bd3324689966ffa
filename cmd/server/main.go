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

	"medconnect/internal/auth"
	"medconnect/internal/config"
	"medconnect/internal/db"
	clog "medconnect/internal/log"
	"medconnect/internal/models"
	"medconnect/internal/mw"
	"medconnect/internal/server"
	"medconnect/internal/service"
	"medconnect/internal/store"
	"medconnect/internal/ws"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func main() {
	// .env 可选，缺失时直接使用环境变量。
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "medconnect",
		Short:         "Real-time patient/doctor messaging gateway and medical record API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd(), tokenCmd(), userCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置，同时初始化日志。
func loadConfig() (config.Config, error) {
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	gdb, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	return gdb, nil
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			if migrate {
				if err := db.Migrate(gdb); err != nil {
					return fmt.Errorf("db migrate: %w", err)
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, gdb)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "run schema migrations before serving")
	return cmd
}

func runServer(ctx context.Context, cfg config.Config, gdb *gorm.DB) error {
	users := store.NewUserStore(gdb)
	messages := store.NewMessageStore(gdb)
	records := store.NewRecordStore(gdb)

	// 接口变量保持为 nil，而不是包装一个 nil 指针。
	var (
		checker   auth.UserChecker
		directory service.UserDirectory
	)
	if cfg.KnownUsersOnly {
		checker, directory = users, users
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	registry := ws.NewRegistry()
	router := service.NewRouter(messages, registry, service.RouterOptions{
		DeliveryTimeout: cfg.DeliveryTimeout,
		MaxContentChars: cfg.MaxContentChars,
		Users:           directory,
	})
	msgSvc := service.NewMessageService(messages)
	gateway := ws.NewGateway(verifier, checker, registry, router, msgSvc, ws.Options{
		AuthTimeout:     cfg.AuthTimeout,
		DeliveryTimeout: cfg.DeliveryTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
		SendBuffer:      cfg.SendBuffer,
		SendRate:        rate.Limit(cfg.SendRateRPS),
		SendBurst:       cfg.SendRateBurst,
	})

	limiter := mw.NewRateLimiter(rate.Limit(cfg.HTTPRateRPS), cfg.HTTPRateBurst, 2*time.Minute)
	go limiter.Run(ctx)

	engine := server.SetupRouter(cfg, server.Deps{
		Verifier: verifier,
		Users:    checker,
		Records:  service.NewRecordService(records),
		Messages: msgSvc,
		Registry: registry,
		Gateway:  gateway,
		Limiter:  limiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Str("db", cfg.DatabaseDriver).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server run: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Int("connections", registry.Count()).Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			if err := db.Migrate(gdb); err != nil {
				return fmt.Errorf("db migrate: %w", err)
			}
			log.Info().Str("db", cfg.DatabaseDriver).Msg("migrations applied")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID int64
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute
			}
			tok, err := auth.GenerateAccessToken(models.Identity{UserID: userID, Role: models.Role(role)}, cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "user id to embed in the token")
	cmd.Flags().StringVar(&role, "role", string(models.RolePatient), "patient or doctor")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to ACCESS_TOKEN_TTL_MINUTES)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the user directory",
	}

	var (
		id   int64
		role string
		name string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a patient or doctor to the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			u := models.User{ID: id, Role: models.Role(role), DisplayName: name}
			if err := store.NewUserStore(gdb).Create(cmd.Context(), &u); err != nil {
				return fmt.Errorf("add user %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s %d\n", u.Role, u.ID)
			return nil
		},
	}
	addCmd.Flags().Int64Var(&id, "id", 0, "user id")
	addCmd.Flags().StringVar(&role, "role", string(models.RolePatient), "patient or doctor")
	addCmd.Flags().StringVar(&name, "name", "", "display name")
	_ = addCmd.MarkFlagRequired("id")
	cmd.AddCommand(addCmd)
	return cmd
}
