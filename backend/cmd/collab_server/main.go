package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"codeCollab/backend/config"
	"codeCollab/backend/internal/auth"
	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/httpapi/handlers"
	"codeCollab/backend/internal/httpapi/middleware"
	"codeCollab/backend/internal/session"
	"codeCollab/backend/internal/store"
	"codeCollab/backend/internal/transport"
	"codeCollab/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === 文件、角色、历史快照 ===
	var (
		files   store.FileStore = store.NewMemoryFileStore()
		roles   store.RoleStore = store.NewMemoryRoleStore()
		history *store.SnapshotStore
	)
	if cfg.Mysql.DSN != "" {
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		files = store.NewGormFileStore(gdb)
		roles = store.NewGormRoleStore(gdb)

		db, err := store.OpenSQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		history = store.NewSnapshotStore(db)
		if err := history.Migrate(ctx); err != nil {
			log.Fatalf("migrate collab_snapshots failed: %v", err)
		}
	} else {
		log.Printf("mysql dsn is empty, files and roles are kept in memory")
	}

	// === 操作日志 ===
	if dir := filepath.Dir(cfg.Bolt.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create journal dir failed: %v", err)
		}
	}
	journal, err := store.OpenBoltJournal(cfg.Bolt.Path)
	if err != nil {
		log.Fatalf("open journal failed: %v", err)
	}
	defer journal.Close()

	// === Redis：在线状态 + 多节点转发 ===
	var (
		presence cache.PresenceCache = cache.NewMemoryPresence()
		bus      *transport.MemoryBus
		coordT   transport.Transport
		edgeT    transport.Transport
		lease    cache.Lease
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
		if cfg.Transport.Kind == "redis" {
			rt := transport.NewRedisTransport(rdb)
			coordT, edgeT = rt, rt
			// 多节点共用一条总线，每个会话只能由一个节点持有
			lease = cache.NewRedisLease(rdb)
		}
	}
	if coordT == nil {
		bus = transport.NewMemoryBus()
		coordT, edgeT = bus.Peer("coordinator"), bus.Peer("ws")
	}

	// === Kafka：操作事件流 ===
	var events session.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()
		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphore(0), collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		})
		// 在 producer.Close 之前执行
		defer dispatcher.Close()
		events = dispatcher
	}

	secret := []byte(cfg.Auth.Secret)
	if len(secret) == 0 {
		secret = auth.SecretFromEnv()
	}
	authz := auth.NewJWTAuthorizer(auth.NewTokens(secret), roles)

	deps := session.Deps{
		Transport: coordT,
		Files:     files,
		Journal:   journal,
		Auth:      authz,
		Presence:  presence,
		Events:    events,
		Lease:     lease,
	}
	var historyReader handlers.History
	if history != nil {
		deps.History = history
		historyReader = history
	}
	coord := session.NewCoordinator(deps, session.Options{
		SnapshotInterval:   cfg.Session.SnapshotInterval,
		ParticipantTimeout: cfg.Session.ParticipantTimeout,
		StorageTimeout:     cfg.Session.StorageTimeout,
		NodeID:             cfg.Session.NodeID,
		LeaseTTL:           cfg.Session.LeaseTTL,
	})
	if err := coord.Start(); err != nil {
		log.Fatalf("start coordinator failed: %v", err)
	}
	defer coord.Close()
	log.Printf("coordinator node %s started", coord.NodeID())

	manager := ws.NewManager(edgeT, collab.NewSemaphore(0), ws.Options{PingInterval: cfg.Transport.PingInterval})

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	g := r.Group("/collab")
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "sessions": len(coord.Active())})
	})
	authed := g.Group("")
	// 从 Authorization 或 ?token= 提取 token，本地校验后写入 userId/username/token
	authed.Use(middleware.AuthMiddleware(authz))
	authed.GET("/ws", manager.WebSocketConnect)
	handlers.NewFileHandler(files, roles, coord, historyReader).Register(authed)
	handlers.NewPresenceHandler(roles, presence).Register(authed)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		log.Printf("collab-service listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
}
