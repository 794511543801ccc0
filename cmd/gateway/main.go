package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/config"
	v1 "github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/controller/http/v1"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/usecase"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/repository/psql"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/repository/rabbitmq"
	redisrepo "github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/repository/redis"
	s3repo "github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/repository/s3"
	psqlclient "github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/pkg/client/psql"
	redisclient "github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/pkg/client/redis"
	s3client "github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/pkg/client/s3"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := psqlclient.NewPostgresDB(psqlclient.Config{
		Host:     cfg.PSQLHost,
		Port:     cfg.PSQLPort,
		User:     cfg.PSQLUser,
		Password: cfg.PSQLPassword,
		DBName:   cfg.PSQLDBName,
		SslMode:  cfg.PSQLSSLMode,
	})
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	if err := db.AutoMigrate(&entity.Identity{}, &entity.Job{}); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Config{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	rabbitConn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("rabbitmq: %v", err)
	}
	defer rabbitConn.Close()

	storage, err := s3client.NewS3Client(cfg.S3Host, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3Secure)
	if err != nil {
		log.Fatalf("s3: %v", err)
	}

	publisher, err := rabbitmq.NewLanePublisher(rabbitConn, "stages", []usecase.Lane{usecase.LaneGPU, usecase.LaneCPU})
	if err != nil {
		log.Fatalf("publisher: %v", err)
	}

	statuses := redisrepo.NewStatusRepo(rdb)
	orch := usecase.NewOrchestrator(
		psql.NewGormIdentityRepo(db),
		psql.NewGormJobRepo(db),
		publisher,
		redisrepo.NewGPUGate(rdb, cfg.GPULimit),
		redisrepo.NewWaitlist(rdb),
		statuses,
		usecase.Config{
			ScriptMaxChars: cfg.ScriptMaxChars,
			DefaultVoiceID: cfg.DefaultVoiceID,
		},
	)

	router := v1.NewRouter(v1.RouterDeps{
		Identity:    orch,
		Jobs:        orch,
		Training:    statuses,
		JobStatus:   statuses,
		Videos:      s3repo.NewArtifactRepo(storage),
		DB:          db,
		Redis:       rdb,
		Rabbit:      rabbitConn,
		JWTSecret:   []byte(cfg.JWTSecret),
		DatasetsDir: cfg.DatasetsDir,
		AssetsDir:   cfg.AssetsDir,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		log.Printf("gateway listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
