package http

import (
	"context"
	"net/http"
	"sync"

	"pergola/internal/api"

	"go.uber.org/zap"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
	log    *zap.Logger
}

func NewAdminServer(adminHandler *api.AdminHandler, metricsHandler http.Handler, addr string, log *zap.Logger) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("POST /admin/users/{id}/disconnect", adminHandler.DisconnectUserHandler)
	mux.HandleFunc("POST /admin/follows", adminHandler.FollowHandler)
	mux.HandleFunc("DELETE /admin/follows", adminHandler.FollowHandler)
	mux.HandleFunc("POST /admin/notifications", adminHandler.NotifyHandler)
	mux.HandleFunc("DELETE /admin/conversations/{id}", adminHandler.RemoveConversationHandler)
	mux.Handle("GET /metrics", metricsHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	s.log.Info("admin API started", zap.String("addr", s.server.Addr))
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
