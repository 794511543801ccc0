package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort    string
	MetricsPort string
	JWTSecret   string

	RedisAddr string
	RedisDB   int

	PSQLHost     string
	PSQLPort     int
	PSQLUser     string
	PSQLPassword string
	PSQLDBName   string
	PSQLSSLMode  string

	S3Host      string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Secure    bool

	RabbitMQURL string

	// Orchestrator limits.
	GPULimit       int
	ScriptMaxChars int

	// Local working directories shared with the ML tooling.
	DatasetsDir string
	AssetsDir   string
	AudioDir    string
	VideoDir    string
	LoraDir     string

	// Speech synthesis backend.
	SpeechAPIBase  string
	SpeechAPIKey   string
	DefaultVoiceID string

	// Stage executor commands (opaque ML tooling entry points).
	PreprocessCmd  string
	TrainCmd       string
	TalkingHeadCmd string
	CompositeCmd   string
	EnhanceCmd     string

	GPUPrefetch int
	CPUPrefetch int
}

// Load reads configuration from the environment, with .env.local as a local
// development fallback. Missing required infrastructure settings are fatal.
func Load() Config {
	if err := godotenv.Load("./.env.local"); err != nil {
		log.Println("No .env file found. Falling back to OS environment variables.")
	}

	rmqURL := "amqp://" + mustGetEnv("RABBITMQ_USER") + ":" + mustGetEnv("RABBITMQ_PASSWORD") +
		"@" + mustGetEnv("RABBITMQ_HOST") + ":" + mustGetEnv("RABBITMQ_PORT") + "/"

	return Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsPort: getEnv("METRICS_PORT", "9100"),
		JWTSecret:   mustGetEnv("JWT_SECRET"),

		RedisAddr: mustGetEnv("REDIS_HOST") + ":" + mustGetEnv("REDIS_PORT"),
		RedisDB:   getEnvInt("REDIS_DB", 0),

		PSQLHost:     mustGetEnv("PSQL_HOST"),
		PSQLPort:     mustGetEnvInt("PSQL_PORT"),
		PSQLUser:     mustGetEnv("PSQL_USER"),
		PSQLPassword: mustGetEnv("PSQL_PASSWORD"),
		PSQLDBName:   mustGetEnv("PSQL_DB"),
		PSQLSSLMode:  mustGetEnv("PSQL_SSLMODE"),

		S3Host:      mustGetEnv("S3_HOST") + ":" + mustGetEnv("S3_PORT"),
		S3Bucket:    mustGetEnv("S3_BUCKET"),
		S3AccessKey: mustGetEnv("S3_ACCESS_KEY"),
		S3SecretKey: mustGetEnv("S3_SECRET_KEY"),
		S3Secure:    getEnvBool("S3_SECURE", false),

		RabbitMQURL: rmqURL,

		GPULimit:       getEnvInt("GPU_CONCURRENCY_LIMIT", 2),
		ScriptMaxChars: getEnvInt("SCRIPT_MAX_CHARACTERS", 1000),

		DatasetsDir: getEnv("DATASETS_DIR", "/workspace/datasets"),
		AssetsDir:   getEnv("ASSETS_DIR", "/workspace/assets"),
		AudioDir:    getEnv("AUDIO_DIR", "/workspace/audio"),
		VideoDir:    getEnv("VIDEO_DIR", "/workspace/video"),
		LoraDir:     getEnv("LORA_STORAGE_DIR", "/workspace/lora_storage"),

		SpeechAPIBase:  getEnv("SPEECH_API_BASE", "https://api.elevenlabs.io"),
		SpeechAPIKey:   os.Getenv("SPEECH_API_KEY"),
		DefaultVoiceID: getEnv("SPEECH_DEFAULT_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),

		PreprocessCmd:  getEnv("PREPROCESS_CMD", "avatar-preprocess"),
		TrainCmd:       getEnv("TRAIN_CMD", "avatar-train-lora"),
		TalkingHeadCmd: getEnv("TALKING_HEAD_CMD", "avatar-sadtalker"),
		CompositeCmd:   getEnv("COMPOSITE_CMD", "avatar-composite"),
		EnhanceCmd:     getEnv("ENHANCE_CMD", "avatar-enhance"),

		GPUPrefetch: getEnvInt("GPU_PREFETCH", 1),
		CPUPrefetch: getEnvInt("CPU_PREFETCH", 4),
	}
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("Environment variable %s is not set", key)
	}
	return val
}

func mustGetEnvInt(key string) int {
	n, err := strconv.Atoi(mustGetEnv(key))
	if err != nil {
		log.Fatalf("Invalid %s value: %v", key, err)
	}
	return n
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("Invalid %s value: %v", key, err)
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		log.Fatalf("Invalid %s value: %v", key, err)
	}
	return b
}
