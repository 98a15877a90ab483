package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/docs"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/config"
	httpapi "github.com/sahilsethi-a11y/adports-prototype-sub000/internal/http"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/observability"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/otp"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/services"
)

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply schema migrations before serving")
	return cmd
}

// newGate builds the OTP gate from configuration: a Redis or in-memory
// challenge store, and SMTP or log delivery.
func newGate(ctx context.Context, oc config.OTPConfig, revealCodes bool) (*otp.Gate, func(), error) {
	var (
		store   otp.Store = otp.NewMemoryStore()
		cleanup           = func() {}
	)
	if oc.Store == "redis" {
		client, err := otp.NewRedisClient(ctx, oc.Redis.Addr, oc.Redis.Password, oc.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		store = otp.NewRedisStore(client)
		cleanup = func() { _ = client.Close() }
	}

	var sender otp.Sender = otp.LogSender{RevealCode: revealCodes}
	if oc.SMTP.Host != "" {
		ms, err := otp.NewMailSender(otp.SMTPConfig{
			Host:     oc.SMTP.Host,
			Port:     oc.SMTP.Port,
			Username: oc.SMTP.Username,
			Password: oc.SMTP.Password,
			From:     oc.SMTP.From,
			Domain:   oc.SMTP.Domain,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sender = ms
	}

	gate := otp.NewGate(store, sender, otp.Options{
		Length:         oc.Length,
		TTL:            oc.TTL,
		MaxAttempts:    oc.MaxAttempts,
		ResendInterval: oc.ResendInterval,
		Secret:         []byte(oc.Secret),
	})
	return gate, cleanup, nil
}

func serve(ctx context.Context, cfg config.Config, migrate bool) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, Version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	db, err := openDB(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeDB(db)
	if migrate {
		if err := repo.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	hub := realtime.NewHub(cfg.Realtime.SendBuffer)
	defer hub.Close()

	var bridge *realtime.Bridge
	if cfg.Realtime.NATSURL != "" {
		nc, err := realtime.Connect(cfg.Realtime.NATSURL, serviceName+"-"+observability.InstanceID)
		if err != nil {
			return err
		}
		bridge = realtime.NewBridge(nc, hub, cfg.Realtime.NATSSubjectPrefix)
	} else {
		bridge = realtime.NewBridge(nil, hub, cfg.Realtime.NATSSubjectPrefix)
	}
	if err := bridge.Start(); err != nil {
		return err
	}
	defer func() { _ = bridge.Close() }()

	typing := realtime.NewTyping(bridge, cfg.Realtime.TypingThrottle, cfg.Realtime.TypingTTL)
	defer typing.Stop()

	gate, closeGate, err := newGate(ctx, cfg.OTP, cfg.LogLevel == "debug")
	if err != nil {
		return fmt.Errorf("otp gate: %w", err)
	}
	defer closeGate()

	janitor, err := services.NewJanitor(db, gate, typing, cfg.JanitorSchedule)
	if err != nil {
		return err
	}
	janitor.Start()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Backends{
		Hub:       hub,
		Publisher: bridge,
		Typing:    typing,
		Gate:      gate,
		Locks:     services.NewKeyedMutex(),
	}, cfg)
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		docs.SwaggerInfo.Version = Version
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	// Live sessions are hijacked and outlive Shutdown; closing the hub ends them.
	srv.RegisterOnShutdown(hub.Close)

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("storage", cfg.Storage.Driver).
			Bool("nats", cfg.Realtime.NATSURL != "").Str("otp_store", cfg.OTP.Store).
			Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	janitor.Stop(sctx)
	return nil
}
