package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health",
	fx.Provide(ProvideHealth),
	fx.Invoke(RegisterRoutes),
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps,omitempty"`
}

// Prober reports the health of remote workers such as analyzer services.
type Prober interface {
	Probe(ctx context.Context) []Dependency
}

// ServiceProber checks a single named worker. It errors when the name is
// unknown rather than reporting it unhealthy.
type ServiceProber interface {
	ProbeService(ctx context.Context, name string) (Dependency, error)
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
	Workers(c *gin.Context)
	Worker(c *gin.Context)
}

type health struct {
	db     *gorm.DB
	redis  *redis.Client
	prober Prober
}

type HealthParams struct {
	fx.In
	DB     *gorm.DB      `optional:"true"`
	Redis  *redis.Client `optional:"true"`
	Prober Prober        `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:     p.DB,
		redis:  p.Redis,
		prober: p.Prober,
	}
}

func RegisterRoutes(engine *gin.Engine, h HealthService) {
	group := engine.Group("/health")
	group.GET("/liveness", h.Liveness)
	group.GET("/readiness", h.Readiness)
	group.GET("/analyzers", h.Workers)
	group.GET("/analyzers/:service", h.Worker)
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  StatusHealthy,
		Message: "OK",
	})
}

// Readiness gates on local dependencies only; analyzer health is reported
// separately and never blocks the orchestrator itself.
func (h *health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	deps := make([]Dependency, 0, 2)
	if h.db != nil {
		dep := Dependency{Name: "database", Status: StatusHealthy, Message: "OK"}
		if sqlDB, err := h.db.DB(); err != nil {
			dep.Status, dep.Message = StatusUnhealthy, err.Error()
		} else if err := sqlDB.PingContext(ctx); err != nil {
			dep.Status, dep.Message = StatusUnhealthy, err.Error()
		}
		deps = append(deps, dep)
	}

	if h.redis != nil {
		dep := Dependency{Name: "redis", Status: StatusHealthy, Message: "OK"}
		if err := h.redis.Ping(ctx).Err(); err != nil {
			dep.Status, dep.Message = StatusUnhealthy, err.Error()
		}
		deps = append(deps, dep)
	}

	h.respond(c, deps)
}

func (h *health) Workers(c *gin.Context) {
	if h.prober == nil {
		h.respond(c, nil)
		return
	}
	h.respond(c, h.prober.Probe(c.Request.Context()))
}

func (h *health) Worker(c *gin.Context) {
	sp, ok := h.prober.(ServiceProber)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	dep, err := sp.ProbeService(c.Request.Context(), c.Param("service"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.respond(c, []Dependency{dep})
}

func (h *health) respond(c *gin.Context, deps []Dependency) {
	this := &Health{Status: StatusHealthy, Message: "OK", Deps: deps}
	code := http.StatusOK
	for _, d := range deps {
		if d.Status != StatusHealthy {
			this.Status = StatusUnhealthy
			this.Message = d.Name + ": " + d.Message
			code = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, this)
}
