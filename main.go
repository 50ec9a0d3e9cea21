package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"room-service/internal/config"
	"room-service/internal/db"
	"room-service/internal/events"
	grpcclient "room-service/internal/grpc"
	"room-service/internal/handlers"
	"room-service/internal/logging"
	"room-service/internal/middleware"
	"room-service/internal/observability"
	"room-service/internal/rabbitmq"
	"room-service/internal/services"
	"room-service/internal/session"
	"room-service/internal/store"
	"room-service/internal/telemetry"
	"room-service/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		jww.ERROR.Println(err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "room-service",
		Short:         "Serves live room sessions backed by the chat API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP and websocket server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringP("port", "p", "", "HTTP listen port.")
	flags.String("db-dsn", "", "Postgres DSN. Empty keeps rooms in memory.")
	flags.String("chat-grpc-addr", "", "Address of the chat API.")
	flags.String("redis-addr", "", "Redis address for cross-process room events.")
	flags.StringP("log-level", "v", "", "Log level: trace, debug, info, warn, error, critical, fatal.")
	flags.Bool("debug-routes", false, "Serve /debug endpoints.")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	tail, err := logging.Init(cfg.LogLevel, cfg.LogTailBytes)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		jww.WARN.Printf("tracing disabled: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			jww.WARN.Printf("tracing shutdown: %v", err)
		}
	}()

	clk := clock.New()

	bus, closeBus, err := newBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	chatConn, err := grpc.Dial(cfg.ChatGRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
	if err != nil {
		return errors.Wrap(err, "connect to chat grpc")
	}
	defer chatConn.Close()

	chatClient := grpcclient.NewChatClient(chatConn)
	monitor := grpcclient.NewConnectivityMonitor(chatConn, bus)
	go monitor.Run(ctx)

	st, closeStore, err := newStore(cfg, clk)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	jww.INFO.Printf("analytics publisher mode=%s", rabbitmq.PublisherMode(publisher))
	emitter := telemetry.NewEmitter(publisher, "room", cfg.ServiceName, cfg.Environment, clk)

	hub := ws.NewHub()
	manager := session.NewManager(session.Deps{
		Store:     st,
		Services:  services.New(st, chatClient),
		Bus:       bus,
		Clock:     clk,
		Connected: monitor.IsConnected,
		Emitter:   emitter,
	}, cfg.Session, hub)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID", "X-Device-ID"},
			AllowCredentials: true,
		}))
	}
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", middleware.AuthMiddleware(chatClient))
	handlers.NewSessionHandler(manager).Register(api)
	handlers.NewRoomHandler(st, bus).Register(api)

	sessionWS := ws.NewSessionWebSocketHandler(hub, manager, chatClient, emitter)
	router.GET("/ws/sessions/:session_id", sessionWS.Handle)

	handlers.RegisterDebugRoutes(router, tail, cfg.DebugRoutes)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		jww.INFO.Printf("room-service listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server error")
		}
	case <-ctx.Done():
	}

	jww.INFO.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		jww.WARN.Printf("http shutdown: %v", err)
	}
	manager.Shutdown(shutdownCtx)
	return nil
}

func newBus(ctx context.Context, cfg config.Config) (events.Bus, func(), error) {
	if cfg.RedisAddr == "" {
		return events.NewLocal(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	bus, err := events.NewRedisBus(ctx, client, cfg.RedisChannel)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	jww.INFO.Printf("room events shared over redis addr=%s", cfg.RedisAddr)
	return bus, func() {
		if err := bus.Close(); err != nil {
			jww.WARN.Printf("close redis bus: %v", err)
		}
		client.Close()
	}, nil
}

func newStore(cfg config.Config, clk clock.Clock) (store.Store, func(), error) {
	if cfg.DBDSN == "" {
		jww.INFO.Println("no db dsn, keeping rooms in memory")
		return store.NewMemory(clk), func() {}, nil
	}
	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewPostgres(database, cfg.DBDSN, clk)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return st, func() {
		if err := st.Close(); err != nil {
			jww.WARN.Printf("close store: %v", err)
		}
		database.Close()
	}, nil
}
