package main

import (
	"log"
	"os"

	"codecanvas/internal/api"
	"codecanvas/internal/auth"
	"codecanvas/internal/config"
	"codecanvas/internal/history"
	"codecanvas/internal/redis"
	"codecanvas/internal/storage"
	"codecanvas/internal/transport"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("CODECANVAS_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("CODECANVAS_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: projects, project_history
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var channels transport.Factory
	switch cfg.BasicConfig.Transport {
	case "", "memory":
		channels = transport.NewBroker()
	case "redis":
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		channels = transport.NewRedisTransport(rdb)
	default:
		log.Fatalf("unsupported transport: %s", cfg.BasicConfig.Transport)
	}

	authService, err := auth.NewService(cfg.BasicConfig.JWTSecret)
	if err != nil {
		log.Fatalf("init auth service: %v", err)
	}

	store := history.NewStore(db)
	handlers := api.NewHandler(store, authService, channels)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
