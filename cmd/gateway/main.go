package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumenmatch/realtime/internal/auth"
	"github.com/lumenmatch/realtime/internal/config"
	"github.com/lumenmatch/realtime/internal/presence"
	"github.com/lumenmatch/realtime/internal/ratelimit"
	"github.com/lumenmatch/realtime/internal/server"
	"github.com/lumenmatch/realtime/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	cancel()
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	opts := []ws.Option{
		ws.WithHandlerSet(ws.PresenceHandlers{}),
		ws.WithHandlerSet(ws.ChatHandlers{}),
	}
	var limiter *ratelimit.Limiter
	if cfg.ConnRateLimit > 0 {
		limiter = ratelimit.NewLimiter(cfg.ConnRateLimit, cfg.ConnRateWindow())
		opts = append(opts, ws.WithConnLimiter(limiter))
	}
	if cfg.MaxConns > 0 {
		opts = append(opts, ws.WithConnCap(cfg.MaxConns))
	}

	gw := ws.New(presence.NewRedisStore(rdb), auth.NewJWTVerifier(cfg.JWTSecret), opts...)
	gw.Start()

	srv := server.New(cfg.ListenAddr, gw)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if limiter != nil {
		go limiter.Run(ctx, time.Minute)
	}

	go func() {
		<-ctx.Done()
		log.Print("Shutting down")
		gw.StopReconciler()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
		gw.Shutdown()
	}()

	log.Printf("Starting realtime gateway on %s", cfg.ListenAddr)
	if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}
