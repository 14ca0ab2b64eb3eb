package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fwdmail/backend/internal/config"
	"fwdmail/backend/internal/directory"
	"fwdmail/backend/internal/health"
	"fwdmail/backend/internal/ledger"
	"fwdmail/backend/internal/middleware"
	"fwdmail/backend/internal/monitoring"
	rediscache "fwdmail/backend/internal/storage/redis"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config    *config.Config
	Ledger    *ledger.Service
	Directory *directory.Directory
	Cache     *rediscache.Cache // 可为 nil
	Health    *health.HealthChecker
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
//
// 全部是只读接口：面板数据、健康检查和指标；
// 域名/别名的增删改由外部管理面负责，不经过本服务。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(1 << 20))

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := NewHandler(deps.Ledger, deps.Directory, deps.Cache, deps.Logger)

	// 健康检查与指标
	router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
	router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	// V1 API（只读）
	v1 := router.Group("/v1")
	{
		v1.GET("/attempts", handler.listAttempts)
		v1.GET("/attempts/:id", handler.getAttempt)
		v1.GET("/domains/:name/status", handler.getDomainStatus)
	}

	return router
}
