// Package gateway exposes the broker over HTTP: a health and status surface,
// short-lived session tokens, and a websocket transport that attaches to the
// broker exactly like a raw TCP connection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/peerchat/peerchat/server"
)

const DefaultTokenTTL = time.Hour

type Config struct {
	Addr string
	// TokenSecret signs websocket session tokens.
	TokenSecret []byte
	TokenTTL    time.Duration
	// AllowedOrigins feeds the CORS middleware and the websocket origin
	// check. Empty allows any origin.
	AllowedOrigins []string
}

func (c *Config) withDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
}

type Gateway struct {
	config   Config
	logger   *slog.Logger
	broker   *server.Server
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func New(config Config, broker *server.Server, opts ...Option) *Gateway {
	config.withDefaults()
	g := &Gateway{
		config: config,
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		broker: broker,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Router assembles the HTTP surface.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: g.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/healthz", g.handleHealth)
	r.Get("/status", g.handleStatus)
	r.Post("/session", g.handleSession)
	r.Get("/ws", g.handleWS)
	return r
}

// Start serves the HTTP surface until Shutdown.
func (g *Gateway) Start() error {
	g.httpSrv = &http.Server{
		Addr:    g.config.Addr,
		Handler: g.Router(),
	}
	g.logger.Info("gateway started", slog.String("addr", g.config.Addr))
	if err := g.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.httpSrv == nil {
		return nil
	}
	return g.httpSrv.Shutdown(ctx)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResponse struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	model, release, err := g.broker.Guard().Use(r.Context())
	if err != nil {
		http.Error(w, "state unavailable", http.StatusServiceUnavailable)
		return
	}
	status := statusResponse{
		Connections: g.broker.ConnCount(),
		Users:       len(model.Users),
		Rooms:       len(model.Rooms),
	}
	release()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		g.logger.Error(fmt.Sprintf("encode status: %v", err))
	}
}

type sessionRequest struct {
	Nickname string `json:"nickname"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleSession issues a short-lived token admitting one websocket
// connection. Identity is still verified by the broker at register time; the
// token only gates the transport.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Nickname == "" {
		http.Error(w, "nickname required", http.StatusBadRequest)
		return
	}
	token, exp, err := NewToken(req.Nickname, g.config.TokenTTL, g.config.TokenSecret)
	if err != nil {
		g.logger.Error(fmt.Sprintf("sign token: %v", err))
		http.Error(w, "cannot issue token", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionResponse{Token: token, ExpiresAt: exp})
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}
	claims, err := VerifyToken(token, g.config.TokenSecret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error(fmt.Sprintf("upgrade: %v", err))
		return
	}
	connID := g.broker.Attach(newWSConn(ws))
	g.logger.Info("websocket attached",
		slog.String("conn", connID),
		slog.String("nickname", claims.Nickname))
}
