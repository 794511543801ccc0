package v1

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/pkg/middleware"
)

type RouterDeps struct {
	Identity  IdentityService
	Jobs      JobService
	Training  TrainingStatusReader
	JobStatus JobStatusReader
	Videos    VideoStore

	DB     *gorm.DB
	Redis  *redis.Client
	Rabbit *amqp.Connection

	JWTSecret   []byte
	DatasetsDir string
	AssetsDir   string
}

// NewRouter assembles the gateway's HTTP surface: public health and metrics
// endpoints, and the authenticated v1 API behind JWT auth and rate limiting.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.Default()

	NewHealthHandler(router, deps.DB, deps.Redis, deps.Rabbit)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RedisClient: deps.Redis,
		Limit:       60,
		Window:      time.Minute,
	}))
	api.Use(middleware.JWTAuthMiddleware(deps.JWTSecret))

	NewIdentityHandler(api, deps.Identity, deps.Training, deps.DatasetsDir)
	NewJobHandler(api, deps.Jobs, deps.JobStatus, deps.Videos, deps.AssetsDir)

	return router
}
