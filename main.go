package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/CodeDing/fanout/config"
	"github.com/CodeDing/fanout/gateway"
	"github.com/CodeDing/fanout/rabbitmq"
	"github.com/CodeDing/fanout/sink"
)

// dial is swapped for an in-memory broker in tests.
var dial rabbitmq.Dialer = rabbitmq.DialAMQP

func main() {
	os.Exit(run(context.Background(), os.Args))
}

func run(ctx context.Context, args []string) int {
	if err := newApp().RunContext(ctx, args); err != nil {
		logrus.WithError(err).Error("fanout stopped")
		return 1
	}
	return 0
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fanout",
		Usage: "broadcast notifications over a RabbitMQ fanout exchange",
		Commands: []*cli.Command{
			{
				Name:   "api",
				Usage:  "starts the HTTP publisher",
				Action: runAPI,
			},
			{
				Name:  "subscribe",
				Usage: "receives every notification and hands it to a handler",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "handler",
						Value: "log",
						Usage: "side effect: log, email, journal or websocket",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "subscriber name used in logs, metrics and consumer tags (defaults to the handler)",
					},
				},
				Action: runSubscriber,
			},
		},
	}
}

func setup(c *cli.Context) (*config.Config, *logrus.Logger, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger := cfg.NewLogger()
	logger.WithField("config", cfg.String()).Debug("configuration loaded")
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	return cfg, logger, ctx, stop, nil
}

func newManager(cfg *config.Config, log logrus.FieldLogger) *rabbitmq.Manager {
	opts := append(cfg.ManagerOptions(),
		rabbitmq.WithDialer(dial),
		rabbitmq.WithLogger(log.WithField("component", "manager")),
	)
	return rabbitmq.NewManager(cfg.BrokerURL, opts...)
}

func runAPI(c *cli.Context) error {
	cfg, logger, ctx, stop, err := setup(c)
	if err != nil {
		return err
	}
	defer stop()

	manager := newManager(cfg, logger)
	defer manager.Close()

	publisher := rabbitmq.NewPublisher(manager, logger.WithField("component", "publisher"))
	handlers := gateway.NewHandlers(publisher, manager, logger.WithField("component", "gateway"))
	srv := gateway.NewServer(":"+cfg.Port, handlers.Router())

	// the gateway answers 503 while the manager is still connecting
	served := make(chan error, 1)
	go func() { served <- gateway.Serve(ctx, srv, logger) }()

	errc := make(chan error, 1)
	go func() {
		if _, err := manager.Establish(ctx); err != nil {
			errc <- err
			return
		}
		if cfg.Reconnect {
			errc <- manager.Supervise(ctx)
		}
	}()

	select {
	case err = <-served:
		return err
	case err = <-errc:
	case <-ctx.Done():
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	stop()
	if serveErr := <-served; err == nil {
		err = serveErr
	}
	return err
}

func runSubscriber(c *cli.Context) error {
	cfg, logger, ctx, stop, err := setup(c)
	if err != nil {
		return err
	}
	defer stop()

	kind := c.String("handler")
	name := c.String("name")
	if name == "" {
		name = kind
	}
	log := logger.WithField("subscriber", name)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	handler, cleanup, err := newHandler(ctx, kind, cfg, log, router)
	if err != nil {
		return err
	}
	defer cleanup()

	served := make(chan error, 1)
	if cfg.HTTPPort != "" {
		go func() { served <- gateway.Serve(ctx, gateway.NewServer(":"+cfg.HTTPPort, router), log) }()
	} else {
		served <- nil
	}

	manager := newManager(cfg, log)
	defer manager.Close()

	sub, err := rabbitmq.NewSubscriber(name, manager, handler,
		rabbitmq.WithReconnect(cfg.Reconnect),
		rabbitmq.WithSubscriberLogger(logger),
	)
	if err != nil {
		return err
	}

	err = sub.Run(ctx)
	if errors.Is(err, rabbitmq.ErrConnectionClosed) {
		// without reconnect the process stays up, idle, until it is stopped
		log.WithError(err).Warn("no longer receiving messages, set RECONNECT=true to reconnect automatically")
		<-ctx.Done()
		err = nil
	}
	stop()
	if serveErr := <-served; err == nil {
		err = serveErr
	}
	return err
}

func newHandler(ctx context.Context, kind string, cfg *config.Config, log logrus.FieldLogger, router *mux.Router) (rabbitmq.Handler, func(), error) {
	noop := func() {}
	switch kind {
	case "log":
		return sink.NewLogHandler(log), noop, nil
	case "email":
		email, err := sink.NewEmail(sink.EmailConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.MailFrom,
			To:   cfg.MailTo,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return email.Handle, noop, nil
	case "journal":
		if cfg.RedisAddr == "" {
			return nil, nil, errors.New("journal handler needs REDIS_ADDR")
		}
		client, err := sink.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		journal := sink.NewJournal(client, cfg.RedisKey, cfg.RedisMaxEntries)
		return journal.Handle, func() { _ = client.Close() }, nil
	case "websocket":
		if cfg.HTTPPort == "" {
			return nil, nil, errors.New("websocket handler needs HTTP_PORT")
		}
		hub := sink.NewHub(log)
		router.Handle("/ws", hub)
		return hub.Handle, hub.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown handler %q", kind)
	}
}
