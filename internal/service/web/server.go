package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"proxyhub/internal/shared/logger"
	"proxyhub/internal/shared/types"
)

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewMux wires the API routes. Background work started by handlers is bound to ctx.
func NewMux(ctx context.Context, cfg types.WebConf, controller PoolController, hub *Hub) *http.ServeMux {
	handler := NewHandler(ctx, controller)
	mux := http.NewServeMux()

	// --- 认证保护的 API ---
	mux.Handle("/api/proxy", basicAuthMiddleware(http.HandlerFunc(handler.HandleGetProxy), cfg.User, cfg.Password))
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleListProxies), cfg.User, cfg.Password))
	mux.Handle("/api/refresh", basicAuthMiddleware(http.HandlerFunc(handler.HandleRefresh), cfg.User, cfg.Password))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	// 公开的状态 API
	mux.HandleFunc("/api/status", handler.HandleStatus)

	return mux
}

// StartServer listens on the configured port and serves the API in the background.
// It returns nil when the web API is disabled.
func StartServer(ctx context.Context, wg *sync.WaitGroup, cfg types.WebConf, controller PoolController, hub *Hub) (*http.Server, error) {
	if cfg.Port <= 0 {
		logger.Info().Msg("[WebServer] Web API is disabled (port is 0 or not set).")
		return nil, nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start web API on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: NewMux(ctx, cfg, controller, hub)}
	logger.Info().Msgf("Web API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Web server error.")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}
