package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pergola/internal/api"
	"pergola/internal/auth"
	"pergola/internal/chat"
	"pergola/internal/commands"
	"pergola/internal/config"
	"pergola/internal/conversation"
	"pergola/internal/http"
	"pergola/internal/logging"
	"pergola/internal/metrics"
	"pergola/internal/presence"
	"pergola/internal/storage"
	"pergola/internal/ws"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("pergola", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create (prints the new account id and a bearer token)")
	follow := flags.String("follow", "", "Follow edge to create, as follower:followee (ids or usernames)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cliMode := *addUser != "" || *follow != ""
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	switch {
	case *addUser != "":
		return commands.AddUser(os.Stdout, *addUser, cfg)
	case *follow != "":
		return commands.Follow(os.Stdout, *follow, cfg)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, cfg.AuthConfig(), bbStorage)
	if err != nil {
		return err
	}

	m := metrics.New()
	messages := chat.New(bbStorage)
	gateway := ws.NewGateway(ws.GatewayConfig{
		Hub:           ws.NewHub(m),
		Directory:     bbStorage,
		Presence:      presence.NewStore(bbStorage),
		Conversations: conversation.NewManager(bbStorage, messages),
		Messages:      messages,
		PresenceScope: ws.PresenceScope(cfg.PresenceScope),
		Metrics:       m,
		Logger:        logger,
	})

	wsServer := ws.NewServer(authService, gateway, ws.ConnectionConfig{
		QueueSize:    cfg.QueueSize,
		PingInterval: cfg.PingInterval,
	}, m, logger)

	adminServer := http.NewAdminServer(
		api.NewAdminHandler(authService, bbStorage, gateway, logger),
		m.Handler(),
		cfg.AdminAddr,
		logger,
	)
	apiServer := http.NewAPIServer(api.New(authService, gateway, logger), wsServer, cfg.APIAddr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// hijacked websocket connections are not tracked by http.Server
		gateway.Close()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown", zap.Error(err))
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
