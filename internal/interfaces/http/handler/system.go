package handler

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/podworker/worker/internal/infrastructure/gpu"
	"github.com/podworker/worker/internal/infrastructure/modelstore"
)

// ModelInfo reads the manifest left behind by the model sync
type ModelInfo interface {
	Info() (*modelstore.Manifest, error)
}

// Pinger reports whether the job journal is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler serves health and environment inspection endpoints
type SystemHandler struct {
	BaseHandler
	workerID  string
	startedAt time.Time
	gpus      *gpu.Inventory
	model     ModelInfo
	journal   Pinger
	logger    *zap.Logger
}

// NewSystemHandler creates a system handler
func NewSystemHandler(workerID string, gpus *gpu.Inventory, model ModelInfo, journal Pinger, logger *zap.Logger) *SystemHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemHandler{
		workerID:  workerID,
		startedAt: time.Now(),
		gpus:      gpus,
		model:     model,
		journal:   journal,
		logger:    logger,
	}
}

// RegisterRoutes registers system endpoints
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.Health)
	rg.GET("/system/info", h.Info)
}

// Health reports worker, model, and journal state. A missing manifest only
// flips model_ready; an unreachable journal degrades the overall status.
func (h *SystemHandler) Health(c *gin.Context) {
	health := gin.H{
		"status":    "ok",
		"worker_id": h.workerID,
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
	}

	if h.model != nil {
		_, err := h.model.Info()
		health["model_ready"] = err == nil
	}

	if h.journal != nil {
		if err := h.journal.Ping(c.Request.Context()); err != nil {
			h.logger.Warn("Journal ping failed", zap.Error(err))
			health["status"] = "degraded"
			health["journal"] = "unavailable"
		} else {
			health["journal"] = "ok"
		}
	}

	h.Success(c, health)
}

// Info reports GPU inventory and the synced model manifest
func (h *SystemHandler) Info(c *gin.Context) {
	info := gin.H{
		"worker_id":  h.workerID,
		"go_version": runtime.Version(),
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
	}

	if h.gpus != nil {
		info["gpu_count"] = h.gpus.Count()
		info["gpus"] = h.gpus.Names()
	}

	if h.model != nil {
		manifest, err := h.model.Info()
		if err != nil {
			h.logger.Debug("Model manifest not available", zap.Error(err))
		} else {
			info["model"] = manifest
		}
	}

	h.Success(c, info)
}
