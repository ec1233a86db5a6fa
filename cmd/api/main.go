package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"mosaiq/backend/internal/api"
	"mosaiq/backend/internal/cache"
	"mosaiq/backend/internal/config"
	"mosaiq/backend/internal/orchestrator"
	"mosaiq/backend/internal/provider"
	"mosaiq/backend/internal/storage"
	"mosaiq/backend/internal/store"
	"mosaiq/backend/internal/stream"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := store.NewDB(ctx, cfg.PGURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Warn().Err(err).Msg("migrate (non-fatal)")
	}

	var redisOpt asynq.RedisConnOpt
	if parsed, err := asynq.ParseRedisURI(cfg.Redis); err == nil {
		redisOpt = parsed
	} else {
		// Fallback: host:port only (no auth)
		redisAddr := strings.TrimPrefix(strings.TrimPrefix(cfg.Redis, "rediss://"), "redis://")
		redisOpt = asynq.RedisClientOpt{Addr: redisAddr}
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	var streamPub *stream.Publisher
	var streamSub *stream.Subscriber
	if streamPub, _ = stream.NewPublisher(cfg.Redis); streamPub != nil {
		defer streamPub.Close()
		log.Info().Msg("stream: Redis Pub/Sub enabled for SSE")
	}
	if streamSub, _ = stream.NewSubscriber(cfg.Redis); streamSub != nil {
		defer streamSub.Close()
	}

	c, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("cache disabled")
	}

	adapters := map[store.Provider]provider.Adapter{}
	if repl, err := provider.NewReplicate(cfg.ReplicateToken); err != nil {
		log.Warn().Err(err).Msg("replicate not configured (set REPLICATE_API_TOKEN)")
	} else {
		adapters[store.ProviderReplicate] = repl
	}
	if rh, err := provider.NewRunningHub(cfg.RunningHubAPIURL, cfg.RunningHubAPIKey); err != nil {
		log.Warn().Err(err).Msg("runninghub not configured (set RUNNINGHUB_API_KEY)")
	} else {
		adapters[store.ProviderRunningHub] = rh
	}

	s3Store, err := storage.NewS3(ctx, storage.S3Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		Bucket:        cfg.S3Bucket,
		Key:           cfg.S3AccessKey,
		Secret:        cfg.S3SecretKey,
		UseSSL:        cfg.S3UseSSL,
		PublicBaseURL: cfg.S3PublicURL,
	})
	if err != nil {
		log.Warn().Err(err).Msg("s3/r2 storage")
	} else if s3Store != nil {
		log.Info().Msg("s3/r2 storage configured")
	}

	orch := &orchestrator.Orchestrator{
		Store:         db,
		Adapters:      adapters,
		Asynq:         asynqClient,
		Notifier:      streamPub,
		Media:         s3Store,
		Log:           log,
		PublicBaseURL: cfg.PublicBaseURL,
		JobTimeout:    time.Duration(cfg.JobTimeoutMins) * time.Minute,
	}

	mux := asynq.NewServeMux()
	orch.Register(mux)
	asynqSrv := asynq.NewServer(redisOpt, asynq.Config{Concurrency: cfg.AsynqConcurrency})
	log.Info().Int("concurrency", cfg.AsynqConcurrency).Msg("asynq worker starting")
	go func() {
		if err := asynqSrv.Run(mux); err != nil {
			log.Error().Err(err).Msg("asynq")
		}
	}()
	defer asynqSrv.Shutdown()

	// Periodic sweep catches jobs whose webhook never arrived.
	sweepInterval := time.Duration(cfg.SweepIntervalMins) * time.Minute
	sweepDone := make(chan struct{})
	go func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-t.C:
				if _, err := asynqClient.Enqueue(orchestrator.NewSweepTask()); err != nil {
					log.Warn().Err(err).Msg("enqueue sweep")
				}
			}
		}
	}()
	defer close(sweepDone)

	var jwks *keyfunc.JWKS
	if cfg.JWKSURL != "" {
		jwks, err = keyfunc.Get(cfg.JWKSURL, keyfunc.Options{})
		if err != nil {
			log.Warn().Err(err).Msg("jwks fetch failed, falling back to shared secret")
			jwks = nil
		}
	}

	srv := api.NewServer(db, orch, streamSub, c, log, cfg.Redis, cfg.JWTSecret, jwks)

	origins := []string{"*"}
	if cfg.CORSOrigins != "" {
		origins = strings.Split(cfg.CORSOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}).Handler(srv.Routes())

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	go func() {
		log.Info().Str("port", cfg.Port).Msg("api listening")
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
