// Package server exposes the sidecar's websocket session endpoint and
// the small REST surface around stored conversations.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/markdown"
	"github.com/pipali/pipali/internal/protocol"
	"github.com/pipali/pipali/internal/store"
)

// Options configures the server.
type Options struct {
	Addr string
	// JWTSecret enables bearer auth when non-empty.
	JWTSecret string
}

// Server ties the hub, the command handler, and the REST routes to one
// HTTP listener.
type Server struct {
	opts    Options
	hub     *Hub
	handler CommandHandler
	store   *store.Store
	http    *http.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The sidecar binds to loopback; local UIs connect from
		// file:// or app origins.
		return true
	},
}

// New creates the server.
func New(opts Options, hub *Hub, handler CommandHandler, st *store.Store) *Server {
	s := &Server{
		opts:    opts,
		hub:     hub,
		handler: handler,
		store:   st,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(auth(opts.JWTSecret))
		r.Get("/ws", s.handleWS)
		r.Get("/api/conversations", s.handleListConversations)
		r.Get("/api/conversations/{id}/transcript", s.handleTranscript)
		r.Delete("/api/conversations/{id}", s.handleDeleteConversation)
	})

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the hub and the HTTP listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("[Server] Listening on %s", s.opts.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Errorf("[Server] Websocket upgrade: %v", err)
		return
	}
	serveWS(s.hub, s.handler, conn, uuid.New().String(), UserID(r.Context()))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(convs)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTranscript renders a conversation's step history as a single
// HTML page, assistant markdown included.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	steps, err := s.store.Steps(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, renderTranscript(conv, steps))
}

func renderTranscript(conv *store.Conversation, steps []protocol.Step) string {
	var b strings.Builder
	title := conv.Title
	if title == "" {
		title = conv.ID
	}
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head><body>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(title))

	for _, step := range steps {
		switch step.Source {
		case protocol.SourceUser:
			fmt.Fprintf(&b, "<div class=\"step user\"><p>%s</p></div>\n", html.EscapeString(step.Content))
		case protocol.SourceAssistant:
			b.WriteString("<div class=\"step assistant\">")
			for _, th := range step.Thoughts {
				if th.Type == protocol.ThoughtToolCall {
					fmt.Fprintf(&b, "<div class=\"tool-call\"><code>%s</code> &rarr; %s</div>",
						html.EscapeString(th.Content), html.EscapeString(th.ToolResult))
				}
			}
			if step.Content != "" {
				b.WriteString(markdown.Render(step.Content))
			}
			b.WriteString("</div>\n")
		}
	}

	b.WriteString("</body></html>\n")
	return b.String()
}
