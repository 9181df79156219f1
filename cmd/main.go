package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/cloudflare/wildebeest-sub000/ap"
	"github.com/cloudflare/wildebeest-sub000/api"
	"github.com/cloudflare/wildebeest-sub000/deliver"
	"github.com/cloudflare/wildebeest-sub000/fetch"
	fedmiddleware "github.com/cloudflare/wildebeest-sub000/middleware"
	"github.com/cloudflare/wildebeest-sub000/queue"
	"github.com/cloudflare/wildebeest-sub000/store"
	"github.com/cloudflare/wildebeest-sub000/timeline"
	"github.com/cloudflare/wildebeest-sub000/types"
	"github.com/cloudflare/wildebeest-sub000/worker"
)

var (
	version      = "unknown"
	buildMachine = "unknown"
	buildTime    = "unknown"
	goVersion    = "unknown"
)

func main() {
	e := echo.New()

	configPath := os.Getenv("FEDERATION_CONFIG")
	if configPath == "" {
		configPath = "/etc/wildebeest/config.yaml"
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		slog.Error("Failed to load config: ", slog.String("error", err.Error()))
		panic(err)
	}

	slog.Info(fmt.Sprintf("Federation engine %s starting on %s...", version, config.Federation.Domain))

	config.NodeInfo.Version = "2.0"
	config.NodeInfo.Software.Name = "wildebeest-sub000"
	config.NodeInfo.Software.Version = version
	config.NodeInfo.Protocols = []string{"activitypub"}

	e.HidePort = true
	e.HideBanner = true

	if config.Server.EnableTrace {
		skipper := otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		)
		e.Use(otelecho.Middleware(config.Federation.Domain, skipper))
	}

	e.Use(echoprometheus.NewMiddleware("federation"))
	e.Use(echomiddleware.Recover())

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(config.Server.Dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		panic("failed to connect database")
	}
	sqlDB, err := db.DB() // for pinging
	if err != nil {
		panic("failed to connect database")
	}
	defer sqlDB.Close()

	err = db.Use(tracing.NewPlugin(
		tracing.WithDBName("postgres"),
	))
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	mc := memcache.New(config.Server.MemcachedAddr)
	defer mc.Close()

	log.Println("start migrate")
	db.AutoMigrate(
		&types.Actor{},
		&types.Object{},
		&types.OutboxEntry{},
		&types.InboxEntry{},
		&types.Follow{},
		&types.Like{},
		&types.Reblog{},
		&types.Reply{},
		&types.Notification{},
		&types.TimelineEntry{},
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Server.RedisAddr,
		Password: "",
		DB:       config.Server.RedisDB,
	})
	err = redisotel.InstrumentTracing(
		rdb,
		redisotel.WithAttributes(
			attribute.KeyValue{
				Key:   "db.name",
				Value: attribute.StringValue("redis"),
			},
		),
	)
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	storeService := store.NewStore(db, config.Federation.Domain)
	fetchClient := fetch.NewClient(mc, storeService, config.Federation)
	jobQueue := queue.NewQueue(rdb, queue.DefaultKey)
	deliverer := deliver.NewDeliverer(storeService, fetchClient, jobQueue, config.Federation)
	projector := timeline.NewService(storeService)

	apService := ap.NewService(storeService, fetchClient, deliverer, config.Federation)
	apHandler := ap.NewHandler(apService, storeService, jobQueue, config.NodeInfo, config.Federation)

	apiService := api.NewService(storeService, fetchClient, deliverer, config.Federation)
	apiHandler := api.NewHandler(apiService, storeService)

	verifier := fedmiddleware.NewSignatureVerifier(fetchClient, config.Federation)

	w := worker.NewWorker(jobQueue, storeService, apService, deliverer, projector)
	go w.Run(context.Background())

	e.GET("/.well-known/webfinger", apHandler.WebFinger)
	e.GET("/.well-known/nodeinfo", apHandler.NodeInfoWellKnown)
	e.GET("/nodeinfo/2.0", apHandler.NodeInfo)

	apGroup := e.Group("/ap")
	apGroup.GET("/users/:id", apHandler.Actor)
	apGroup.GET("/users/:id/outbox", apHandler.Outbox)
	apGroup.POST("/users/:id/inbox", apHandler.Inbox, verifier.Verify)
	apGroup.POST("/inbox", apHandler.SharedInbox, verifier.Verify)
	apGroup.GET("/o/:id", apHandler.Note)

	apiGroup := e.Group("/api/v1")
	apiGroup.POST("/accounts", apiHandler.Register)
	apiGroup.POST("/statuses", apiHandler.CreateStatus)
	apiGroup.POST("/follows", apiHandler.Follow)
	apiGroup.GET("/timeline", apiHandler.Timeline)
	apiGroup.GET("/notifications", apiHandler.Notifications)

	e.GET("/health", func(c echo.Context) (err error) {
		ctx := c.Request().Context()

		err = sqlDB.Ping()
		if err != nil {
			return c.String(http.StatusInternalServerError, "db error")
		}

		err = rdb.Ping(ctx).Err()
		if err != nil {
			return c.String(http.StatusInternalServerError, "redis error")
		}

		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echoprometheus.NewHandler())

	port := ":8000"
	envport := os.Getenv("FEDERATION_PORT")
	if envport != "" {
		port = ":" + envport
	}

	e.Logger.Fatal(e.Start(port))
}
