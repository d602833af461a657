package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-threads/internal/config"
	"github.com/npezzotti/go-threads/internal/database"
	"github.com/npezzotti/go-threads/internal/server"
	"github.com/npezzotti/go-threads/internal/stats"
	"go.uber.org/zap"
)

type GoThreadsApp struct {
	log            *zap.SugaredLogger
	db             database.ThreadsRepository
	mux            *http.Server
	cs             *server.ChatServer
	stats          stats.StatsProvider
	signingKey     []byte
	allowedOrigins []string
}

func NewGoThreadsApp(mux *http.ServeMux, logger *zap.SugaredLogger, cs *server.ChatServer, db database.ThreadsRepository,
	su stats.StatsProvider, cfg *config.Config) *GoThreadsApp {
	s := &GoThreadsApp{
		log:            logger,
		db:             db,
		cs:             cs,
		stats:          su,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("POST /api/messages", s.authMiddleware(s.sendMessage))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("DELETE /api/messages", s.authMiddleware(s.deleteMessage))
	mux.Handle("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.Handle("DELETE /api/conversations", s.authMiddleware(s.deleteConversation))
	mux.Handle("POST /api/conversations/read", s.authMiddleware(s.readConversation))
	mux.Handle("GET /api/users/online", s.authMiddleware(s.onlineUsers))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GoThreadsApp) Start() error {
	s.log.Infow("starting server", "addr", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GoThreadsApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
