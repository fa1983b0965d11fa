package api

import (
	"context"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/storefront/docs"
	"github.com/d60-Lab/storefront/internal/api/handler"
	"github.com/d60-Lab/storefront/internal/api/middleware"
	"github.com/d60-Lab/storefront/pkg/metrics"
	"github.com/d60-Lab/storefront/pkg/response"
)

// HealthFunc 探活依赖（数据库 / redis）
type HealthFunc func(ctx context.Context) error

// Options 两个服务共用的路由配置
type Options struct {
	Service string // otel 服务名
	Mode    string // gin mode
	Metrics *metrics.Metrics
	Sentry  bool // 已初始化全局 sentry 时挂 sentrygin
	Health  HealthFunc
}

// NewCatalogRouter 商品目录服务路由
func NewCatalogRouter(opts Options, h *handler.ProductHandler) *gin.Engine {
	r := newEngine(opts, docs.CatalogSwagger.InstanceName())

	v1 := r.Group("/api/v1/products")
	{
		v1.GET("", h.ListProducts)
		v1.POST("", h.CreateProduct)
		v1.GET("/search/:query", h.SearchProducts)
		v1.GET("/:id", h.GetProduct)
		v1.PUT("/:id", h.UpdateProduct)
		v1.DELETE("/:id", h.DeleteProduct)
	}
	return r
}

// NewBasketRouter 购物车服务路由
func NewBasketRouter(opts Options, h *handler.BasketHandler) *gin.Engine {
	r := newEngine(opts, docs.BasketSwagger.InstanceName())

	v1 := r.Group("/api/v1/basket/:owner")
	{
		v1.GET("", h.GetBasket)
		v1.DELETE("", h.Checkout)
		v1.POST("/items", h.AddItem)
		v1.DELETE("/items/:productId", h.RemoveItem)
	}
	return r
}

func newEngine(opts Options, swaggerInstance string) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())
	if opts.Sentry {
		r.Use(sentrygin.New(sentrygin.Options{Repanic: true, Timeout: 2 * time.Second}))
	}
	if opts.Service != "" {
		r.Use(otelgin.Middleware(opts.Service))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.GinMiddleware())
	}
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics", "/swagger"})))

	r.GET("/health", health(opts.Health))
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.InstanceName(swaggerInstance)))
	return r
}

func health(check HealthFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				_ = c.Error(err)
				response.ServiceUnavailable(c, "unhealthy")
				return
			}
		}
		response.Success(c, gin.H{"status": "ok"})
	}
}
