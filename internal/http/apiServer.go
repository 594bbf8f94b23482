package http

import (
	"context"
	"net/http"
	"sync"

	"pergola/internal/api"
	"pergola/internal/ws"

	"go.uber.org/zap"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
	log    *zap.Logger
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string, log *zap.Logger) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("POST /api/me/visibility", apiHandlers.RequireAuth(apiHandlers.VisibilityHandler))
	mux.HandleFunc("GET /api/conversations", apiHandlers.RequireAuth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("POST /api/conversations", apiHandlers.RequireAuth(apiHandlers.StartConversationHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/conversations/{id}/messages", apiHandlers.RequireAuth(apiHandlers.SendMessageHandler))
	mux.HandleFunc("POST /api/conversations/{id}/read", apiHandlers.RequireAuth(apiHandlers.ReadHandler))
	mux.HandleFunc("DELETE /api/conversations/{id}", apiHandlers.RequireAuth(apiHandlers.HideConversationHandler))
	mux.HandleFunc("DELETE /api/messages/{id}", apiHandlers.RequireAuth(apiHandlers.DeleteMessageHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	s.log.Info("server started", zap.String("addr", s.server.Addr))
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
