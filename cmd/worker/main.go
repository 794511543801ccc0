package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/config"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/usecase"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/repository/psql"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/repository/rabbitmq"
	redisrepo "github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/repository/redis"
	s3repo "github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/repository/s3"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/stage"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/worker"
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

	orch := usecase.NewOrchestrator(
		psql.NewGormIdentityRepo(db),
		psql.NewGormJobRepo(db),
		publisher,
		redisrepo.NewGPUGate(rdb, cfg.GPULimit),
		redisrepo.NewWaitlist(rdb),
		redisrepo.NewStatusRepo(rdb),
		usecase.Config{
			ScriptMaxChars: cfg.ScriptMaxChars,
			DefaultVoiceID: cfg.DefaultVoiceID,
		},
	)

	registry := stage.NewRegistry(
		&stage.PreprocessExecutor{Bin: cfg.PreprocessCmd},
		&stage.TrainExecutor{Bin: cfg.TrainCmd, LoraDir: cfg.LoraDir},
		&stage.SpeechExecutor{
			APIBase:        cfg.SpeechAPIBase,
			APIKey:         cfg.SpeechAPIKey,
			DefaultVoiceID: cfg.DefaultVoiceID,
			AudioDir:       cfg.AudioDir,
		},
		&stage.TalkingHeadExecutor{Bin: cfg.TalkingHeadCmd, VideoDir: cfg.VideoDir},
		&stage.CompositeExecutor{Bin: cfg.CompositeCmd, VideoDir: cfg.VideoDir},
		&stage.EnhanceExecutor{Bin: cfg.EnhanceCmd, VideoDir: cfg.VideoDir},
		&stage.UploadExecutor{Store: s3repo.NewArtifactRepo(storage)},
	)
	runner := worker.NewStageRunner(registry, orch)

	lanes := []struct {
		lane     usecase.Lane
		prefetch int
	}{
		{usecase.LaneGPU, cfg.GPUPrefetch},
		{usecase.LaneCPU, cfg.CPUPrefetch},
	}

	var wg sync.WaitGroup
	for _, l := range lanes {
		consumer, err := rabbitmq.NewStageConsumer(rabbitConn, l.lane, l.prefetch, runner)
		if err != nil {
			log.Fatalf("consumer for %s lane: %v", l.lane, err)
		}
		wg.Add(1)
		go func(lane usecase.Lane, c *rabbitmq.StageConsumer) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				log.Printf("consumer for %s lane stopped: %v", lane, err)
			}
		}(l.lane, consumer)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()

	log.Printf("worker consuming gpu and cpu lanes (gpu limit %d)", cfg.GPULimit)
	<-ctx.Done()
	log.Println("shutting down worker")
	wg.Wait()
}
