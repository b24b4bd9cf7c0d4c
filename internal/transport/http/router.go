package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Akyl1988/smartsell-inventory/internal/config"
	"github.com/Akyl1988/smartsell-inventory/internal/service"
)

func NewRouter(inv *service.InventoryService, coord *service.Coordinator, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, inv, coord)
	return r
}
