package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"topup/internal/audit"
	"topup/internal/channel"
	"topup/internal/config"
	"topup/internal/events"
	"topup/internal/export"
	"topup/internal/gateway"
	"topup/internal/httpapi"
	"topup/internal/lifecycle"
	"topup/internal/logging"
	"topup/internal/notify"
	"topup/internal/storage"
	"topup/internal/sweeper"
	"topup/internal/websocket"
	"topup/pkg/messaging"

	"golang.org/x/sync/errgroup"
)

type auditLog interface {
	audit.Sink
	audit.Lister
}

type App struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *events.Bus

	db          *storage.Store
	lifecycle   *lifecycle.Store
	reconciler  *gateway.Reconciler
	hub         *websocket.Hub
	broadcaster *websocket.Broadcaster
	sweeper     *sweeper.Sweeper
	channel     *channel.Manager
	notifier    *notify.Notifier

	exporter  *export.Exporter
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	consumer  *messaging.Consumer

	httpSrv *http.Server
}

// New wires every component. base must be a non-streaming logger; it is
// handed to the parts that run inside log.line dispatch.
func New(ctx context.Context, cfg config.Config, base, logger *slog.Logger, bus *events.Bus) (*App, error) {
	a := &App{cfg: cfg, logger: logger, bus: bus}

	var (
		repo    lifecycle.Repository
		catalog lifecycle.Catalog
		sink    auditLog
	)
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		repo, catalog, sink = db, db, db
	} else {
		mem, err := loadCatalog(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		logger.Warn("no database configured, state is kept in memory")
		repo, catalog, sink = lifecycle.NewMemoryRepository(), mem, audit.NewMemorySink()
	}

	recorder := audit.NewRecorder(sink, logger)
	a.lifecycle = lifecycle.NewStore(repo, catalog, bus, recorder, lifecycle.Config{
		InvoiceTTL:  cfg.InvoiceTTL,
		OrderPrefix: cfg.OrderPrefix,
	}, logger)

	gw := gateway.NewHTTPClient(gateway.HTTPConfig{
		BaseURL: cfg.GatewayURL,
		APIKey:  cfg.GatewayKey,
		Timeout: cfg.GatewayTimeout,
		RPS:     cfg.GatewayRPS,
	})
	a.reconciler = gateway.NewReconciler(gw, a.lifecycle, gateway.ReconcilerConfig{
		WebhookSecret: cfg.WebhookSecret,
		PaidStatuses:  cfg.PaidStatuses,
		PayMethod:     cfg.PayMethod,
		CallTimeout:   cfg.GatewayTimeout,
	}, logger)

	a.hub = websocket.NewHub(base)
	a.broadcaster = websocket.NewBroadcaster(a.hub, bus, base)

	a.sweeper = sweeper.New(a.lifecycle, a.reconciler, bus, sweeper.Config{
		Interval: cfg.SweepInterval,
		Batch:    cfg.SweepBatch,
	}, logger)

	a.channel = channel.NewManager(
		channel.NewBridge(cfg.ChannelBridgeURL),
		channel.NewFileCredentials(cfg.ChannelAuthDir),
		bus, a.lifecycle, recorder,
		channel.Config{
			OperatorAddress:  cfg.OperatorAddress,
			ReconnectBackoff: cfg.ChannelReconnect,
			LogoutDelay:      cfg.ChannelLogoutDelay,
		}, logger)

	a.notifier = notify.New(a.channel, bus, notify.Config{
		SiteURL:         cfg.SiteURL,
		OperatorAddress: a.channel.OperatorAddress(),
	}, logger)

	if err := a.wireMessaging(); err != nil {
		a.Close()
		return nil, err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Store:      a.lifecycle,
		Reconciler: a.reconciler,
		Channel:    a.channel,
		Audit:      sink,
		WS:         http.HandlerFunc(websocket.NewHandler(a.hub, logger).ServeWS),
		AdminToken: cfg.AdminToken,
	}, logger)
	a.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// wireMessaging sets up the RabbitMQ export feed and the notification queue.
// Both are optional.
func (a *App) wireMessaging() error {
	cfg := a.cfg
	if cfg.RabbitURL == "" {
		return nil
	}

	if a.db != nil {
		publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.EventsExchange)
		if err != nil {
			return err
		}
		a.publisher = publisher
		a.exporter = export.New(a.db, a.bus, export.Config{}, a.logger)
		a.outbox = messaging.NewOutboxDispatcher(a.db.Pool(), publisher, storage.OutboxTable, cfg.OutboxInterval, cfg.OutboxBatchSize, a.logger)
	} else {
		a.logger.Warn("event export needs a database, skipping")
	}

	if cfg.NotifyQueue != "" {
		consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.PaymentsExchange, cfg.NotifyQueue, a.logger)
		if err != nil {
			return err
		}
		a.consumer = consumer
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	stopBroadcast := a.broadcaster.Start()
	defer stopBroadcast()

	a.notifier.Start(ctx)
	if a.exporter != nil {
		a.exporter.Start(ctx)
		a.outbox.Start(ctx)
	}
	a.sweeper.Start(ctx)
	if a.cfg.ChannelBridgeURL != "" {
		a.channel.Start(ctx)
	} else {
		a.logger.Warn("no channel bridge configured, messaging channel stays idle")
	}

	if a.consumer != nil {
		handle := export.PaymentIngest(a.reconciler, a.logger)
		g.Go(func() error {
			return a.consumer.Start(ctx, handle)
		})
	}

	g.Go(func() error {
		a.logger.Info("topup http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGracePeriod)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close stops background work, flushes queued notifications and exports and
// releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.channel != nil {
		a.channel.Stop()
	}
	if a.exporter != nil {
		a.exporter.Stop()
	}
	if a.outbox != nil {
		a.outbox.Wait()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func Run() error {
	cfg := config.Load()
	base, bus, logger := logging.Setup(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, base, logger, bus)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close()

	return app.Run(ctx)
}
