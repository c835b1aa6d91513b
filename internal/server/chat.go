package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/speed-chat/server/internal/agent/graph/checkpoints"
	"github.com/speed-chat/server/internal/agent/model"
	errx "github.com/speed-chat/server/internal/core/error"
	"github.com/speed-chat/server/internal/store"
	"github.com/speed-chat/server/internal/stream"
	logx "github.com/speed-chat/server/pkg/logger"
)

// AgentRequest is the body of POST /api/chat/agent.
type AgentRequest struct {
	Messages []model.InputMessage `json:"messages"`
	Config   struct {
		ThreadID string `json:"thread_id"`
	} `json:"config"`
	UserID string `json:"userId"`
}

func (s *Server) chatAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	threadID := strings.TrimSpace(req.Config.ThreadID)
	if threadID == "" {
		writeError(w, r, errx.BadRequest("config.thread_id is required"))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, r, errx.BadRequest("messages are required"))
		return
	}

	ctx := r.Context()
	if req.UserID != "" {
		created, err := s.deps.Store.EnsureChat(ctx, threadID, req.UserID, store.DefaultChatName)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if created {
			logx.Info().Str("thread_id", threadID).Str("user_id", req.UserID).Msg("Created chat")
		}
		if usage, err := s.deps.Store.IncrementUsage(ctx, req.UserID); err != nil {
			logx.Warn().Err(err).Str("user_id", req.UserID).Msg("Failed to increment usage")
		} else {
			logx.Debug().Str("user_id", req.UserID).Int("usage", usage).Msg("Usage incremented")
		}
	}

	sw, err := stream.NewWriter(w)
	if err != nil {
		writeError(w, r, err)
		return
	}

	in := model.AgentInput{ThreadID: threadID, UserID: req.UserID, Messages: req.Messages}
	if _, err := s.deps.Agent.Stream(ctx, in, sw); err != nil {
		// The error envelope has already been written to the stream.
		logx.Error().Err(err).Str("thread_id", threadID).Msg("Agent stream failed")
	}
}

type historyResponse struct {
	*checkpoints.History
	Chat       *store.Chat    `json:"chat,omitempty"`
	Transcript []stream.Entry `json:"transcript"`
}

// chatHistory answers with the thread's messages. The chat row is attached
// when the thread belongs to a user.
func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "id")
	h, err := s.deps.Checkpoints.History(ctx, threadID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	chat, err := s.deps.Store.GetChat(ctx, threadID)
	if err != nil {
		if !errx.IsNotFound(err) {
			logx.Warn().Err(err).Str("thread_id", threadID).Msg("Failed to load chat row")
		}
		chat = nil
	}
	writeJSON(w, http.StatusOK, historyResponse{History: h, Chat: chat, Transcript: stream.FromMessages(h.Messages)})
}

func (s *Server) chatCheckpoint(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	cp, err := s.deps.Checkpoints.Checkpoint(r.Context(), threadID, chi.URLParam(r, "checkpointId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) listUserChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.deps.Store.ListChats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) renameChat(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, errx.BadRequest("name is required"))
		return
	}
	if err := s.deps.Store.RenameChat(r.Context(), chi.URLParam(r, "id"), name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Chat updated"})
}

// deleteChat removes the chat row and every checkpoint of the thread.
func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	ctx := r.Context()
	if err := s.deps.Store.DeleteChat(ctx, threadID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Checkpoints.DeleteThread(ctx, threadID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Chat deleted"})
}

type userResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Usage int    `json:"usage"`
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if errx.IsNotFound(err) {
		writeError(w, r, errx.NotFound("User not found"))
		return
	}
	if err != nil {
		writeError(w, r, errx.New(err, http.StatusInternalServerError, "Failed to fetch user"))
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: u.ID, Name: u.Name, Email: u.Email, Usage: u.Usage})
}
