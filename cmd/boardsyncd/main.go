package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/server"
	"boardsync/storage"
)

const relayChannel = "board-updates"

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	if log.GetLevel() == log.DebugLevel {
		logger.SetLevel(log.DebugLevel)
	}

	var store storage.TaskStore
	if memStore, _ := strconv.ParseBool(os.Getenv("MEMORY_STORE")); memStore {
		store = storage.NewMemory()
	} else {
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		tasksTableName := os.Getenv("TASKS_TABLE")
		if connStr == "" || tasksTableName == "" {
			log.Fatal("missing storage config (set STORAGE_CONNECTION_STRING and TASKS_TABLE, or MEMORY_STORE=1)")
		}
		tables, err := storage.NewTables(connStr, tasksTableName)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		store = tables
	}

	var rc *redis.Client
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		redisOpts, err := redis.ParseURL(redisConn)
		if err != nil {
			parts := strings.Split(redisConn, ",")
			redisOpts = &redis.Options{Addr: parts[0]}
			for _, p := range parts[1:] {
				kv := strings.SplitN(p, "=", 2)
				if len(kv) != 2 {
					continue
				}
				switch strings.ToLower(kv[0]) {
				case "password":
					redisOpts.Password = kv[1]
				case "ssl":
					if strings.ToLower(kv[1]) == "true" {
						redisOpts.TLSConfig = &tls.Config{}
					}
				}
			}
		}
		rc = redis.NewClient(redisOpts)

		ttl := 5 * time.Minute
		if v := os.Getenv("TASKS_CACHE_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				log.Fatalf("invalid TASKS_CACHE_TTL: %v", err)
			}
			ttl = d
		}
		store = storage.NewCache(store, rc, ttl)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(logger, rc, relayChannel)
	if rc != nil {
		go hub.RunRelay(runCtx)
	}
	rec := server.NewReconciler(store, hub, server.NewBoardLocker(rc), logger)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	server.Register(e, rec, hub, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("BOARD_SYNC_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
