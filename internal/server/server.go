// Package server exposes the chat backend over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/speed-chat/server/internal/agent/graph/checkpoints"
	"github.com/speed-chat/server/internal/agent/model"
	"github.com/speed-chat/server/internal/auth"
	"github.com/speed-chat/server/internal/composio"
	"github.com/speed-chat/server/internal/store"
	"github.com/speed-chat/server/internal/stream"
	logx "github.com/speed-chat/server/pkg/logger"
)

// Agent runs one chat turn and streams it to sink.
type Agent interface {
	Stream(ctx context.Context, in model.AgentInput, sink stream.Sink) (*schema.Message, error)
}

// Checkpoints reads and deletes persisted thread state.
type Checkpoints interface {
	History(ctx context.Context, threadID string) (*checkpoints.History, error)
	Checkpoint(ctx context.Context, threadID, checkpointID string) (*checkpoints.Single, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// Store is the relational data the API serves.
type Store interface {
	auth.ClerkStore
	GetUser(ctx context.Context, id string) (*store.User, error)
	IncrementUsage(ctx context.Context, id string) (int, error)

	EnsureChat(ctx context.Context, id, userID, name string) (bool, error)
	GetChat(ctx context.Context, id string) (*store.Chat, error)
	ListChats(ctx context.Context, userID string) ([]store.Chat, error)
	RenameChat(ctx context.Context, id, name string) error
	DeleteChat(ctx context.Context, id string) error

	UpsertIntegration(ctx context.Context, in store.Integration) (string, error)
	ComposioToolkits(ctx context.Context, userID string) (map[string]bool, error)
	UpsertComposioToolkits(ctx context.Context, userID string, status map[string]bool) error
}

// Connector starts and checks Composio connections.
type Connector interface {
	InitiateConnection(ctx context.Context, userID, authConfigID string) (string, error)
	ConnectedToolkits(ctx context.Context, userID string, toolkits composio.Toolkits) (map[string]bool, error)
}

// Options configures the HTTP layer.
type Options struct {
	Addr           string
	AllowedOrigins []string
	WebAppURL      string
}

// Deps are the collaborators behind the handlers. Clerk, Gmail and
// Connector are optional; their routes answer 503 when nil.
type Deps struct {
	Agent       Agent
	Checkpoints Checkpoints
	Store       Store
	Clerk       *auth.ClerkWebhook
	Gmail       *auth.GmailOAuth
	Connector   Connector
	Toolkits    composio.Toolkits
}

type Server struct {
	opts   Options
	deps   Deps
	router chi.Router
}

func New(opts Options, deps Deps) *Server {
	s := &Server{opts: opts, deps: deps}
	s.router = s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "svix-id", "svix-timestamp", "svix-signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.health)

	r.Route("/api", func(api chi.Router) {
		api.Route("/chat", func(chat chi.Router) {
			chat.Post("/agent", s.chatAgent)
			chat.Get("/user/{id}", s.listUserChats)
			chat.Get("/{id}", s.chatHistory)
			chat.Get("/{id}/checkpoints/{checkpointId}", s.chatCheckpoint)
			chat.Put("/{id}", s.renameChat)
			chat.Delete("/{id}", s.deleteChat)
		})
		api.Get("/user/{id}", s.getUser)
		api.Post("/webhooks/clerk", s.clerkWebhook)
		api.Route("/auth", func(a chi.Router) {
			a.Get("/gmail/login", s.gmailLogin)
			a.Get("/callback/gmail", s.gmailCallback)
		})
		api.Route("/tools", func(t chi.Router) {
			t.Get("/toolkit", s.toolkitConnect)
			t.Get("/status", s.toolkitStatus)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Backend API is running",
		"status":  "healthy",
	})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Info().Str("addr", s.opts.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logx.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
