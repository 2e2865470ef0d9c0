package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"proxyhub/internal/shared/logger"
	manager "proxyhub/proxypool"
	"proxyhub/proxypool/model"
	"proxyhub/proxypool/storage"
)

// PoolController defines what the web handler needs from the proxy pool manager.
// This decouples the web package from the manager's construction.
type PoolController interface {
	Get(ctx context.Context, opts manager.GetOptions) (model.Candidate, model.ValidatedProxy, error)
	Refresh(ctx context.Context, checkURL string) (*model.ProxyStore, error)
	Snapshot() (*model.ProxyStore, error)
	IsStale(updatedAt time.Time) bool
}

// ProxyResponse 是 GET /api/proxy 的响应体
type ProxyResponse struct {
	Proxy   model.Candidate    `json:"proxy"`
	Type    model.ProtocolType `json:"type"`
	Country string             `json:"country,omitempty"`
	City    string             `json:"city,omitempty"`
}

// PoolResponse 是 GET /api/proxies 的响应体
type PoolResponse struct {
	UpdatedAt string                                   `json:"updated_at"`
	Stale     bool                                     `json:"stale"`
	Count     int                                      `json:"count"`
	Proxies   map[model.Candidate]model.ValidatedProxy `json:"proxies,omitempty"`
}

type Handler struct {
	// ctx 是服务器的生命周期，后台刷新在服务器关闭时随之取消
	ctx        context.Context
	controller PoolController
}

func NewHandler(ctx context.Context, controller PoolController) *Handler {
	return &Handler{ctx: ctx, controller: controller}
}

// HandleGetProxy 处理 GET /api/proxy?url=&force=&allow= 请求
func (h *Handler) HandleGetProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	opts := manager.DefaultGetOptions()
	opts.CheckURL = q.Get("url")
	var err error
	if opts.ForceRefresh, err = parseBool(q.Get("force"), opts.ForceRefresh); err != nil {
		writeError(w, http.StatusBadRequest, "invalid force parameter")
		return
	}
	if opts.AllowRefresh, err = parseBool(q.Get("allow"), opts.AllowRefresh); err != nil {
		writeError(w, http.StatusBadRequest, "invalid allow parameter")
		return
	}

	c, p, err := h.controller.Get(r.Context(), opts)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, manager.ErrNoProxies) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ProxyResponse{
		Proxy:   c,
		Type:    p.Type,
		Country: p.Country,
		City:    p.City,
	})
}

// HandleListProxies 处理 GET /api/proxies 请求，返回整个代理池
func (h *Handler) HandleListProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp, err := h.pool(true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRefresh 处理 POST /api/refresh 请求，在后台执行一次刷新
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	checkURL := r.URL.Query().Get("url")

	go func() {
		if _, err := h.controller.Refresh(h.ctx, checkURL); err != nil {
			logger.Error().Err(err).Msg("Background refresh failed.")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Refresh started"})
}

// HandleStatus 处理 GET /api/status 请求 (无需认证)
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.pool(false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) pool(withProxies bool) (*PoolResponse, error) {
	store, err := h.controller.Snapshot()
	if err != nil {
		return nil, err
	}
	resp := &PoolResponse{
		UpdatedAt: storage.FormatTimestamp(store.UpdatedAt),
		Stale:     h.controller.IsStale(store.UpdatedAt),
		Count:     store.Len(),
	}
	if withProxies {
		resp.Proxies = store.Proxies
	}
	return resp, nil
}

func parseBool(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to write JSON response.")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
