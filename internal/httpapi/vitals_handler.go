package httpapi

import (
	"net/http"

	"wisefido-vitals/internal/distributor"
	"wisefido-vitals/internal/models"

	"go.uber.org/zap"
)

// 最新数据状态
const (
	StatusWaiting   = "waiting"   // 尚无数据
	StatusStreaming = "streaming" // 数据源运行中
	StatusEnded     = "ended"     // 数据源异常结束
	StatusStopped   = "stopped"   // 服务已停止
)

// LatestProvider 最新值来源（distributor.Distributor 实现该接口）
type LatestProvider interface {
	Current() (models.Reading, bool)
	Status() distributor.Status
	Err() error
}

// LatestResponse GET /api/v1/vitals/latest 响应
type LatestResponse struct {
	Status  string          `json:"status"`
	Reading *models.Reading `json:"reading"`
	Error   string          `json:"error,omitempty"`
}

type VitalsHandler struct {
	provider LatestProvider
	logger   *zap.Logger
}

func NewVitalsHandler(provider LatestProvider, logger *zap.Logger) *VitalsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VitalsHandler{provider: provider, logger: logger}
}

// GetLatest 返回最新数据；分发结束后仍返回最后一条
func (h *VitalsHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	resp := LatestResponse{}
	reading, ok := h.provider.Current()
	if ok {
		resp.Reading = &reading
	}

	switch h.provider.Status() {
	case distributor.StatusEnded:
		resp.Status = StatusEnded
		if err := h.provider.Err(); err != nil {
			resp.Error = err.Error()
		}
	case distributor.StatusStopped:
		resp.Status = StatusStopped
	default:
		if ok {
			resp.Status = StatusStreaming
		} else {
			resp.Status = StatusWaiting
		}
	}

	writeJSON(w, http.StatusOK, Ok(resp))
}

// Health 数据源异常结束时返回 503
func (h *VitalsHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.provider.Status()
	if status == distributor.StatusEnded {
		msg := "source ended"
		if err := h.provider.Err(); err != nil {
			msg = err.Error()
		}
		writeJSON(w, http.StatusServiceUnavailable, Fail(msg))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]string{"status": status.String()}))
}
