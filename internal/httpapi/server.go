package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/waifuos/waifud/internal/bridge"
	"github.com/waifuos/waifud/internal/characters"
	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/contextstore"
	"github.com/waifuos/waifud/internal/pipeline"
	"github.com/waifuos/waifud/internal/protocol"
	"github.com/waifuos/waifud/internal/stt"
	"github.com/waifuos/waifud/internal/tts"
)

// TurnRunner is the slice of the pipeline the HTTP surface needs.
type TurnRunner interface {
	RunTurn(ctx context.Context, req protocol.TurnRequest, emit func(protocol.TurnEvent) error) error
	RunTurnSync(ctx context.Context, req protocol.TurnRequest) (pipeline.Result, error)
}

// Deps carries the server's collaborators.
type Deps struct {
	Pipeline    TurnRunner
	Contexts    *contextstore.Store
	Characters  *characters.Registry
	Creator     *characters.Creator
	Bridge      *bridge.Service
	Recognizer  stt.Recognizer
	Synthesizer tts.Synthesizer
	Metrics     http.Handler
	Ready       func() bool
}

// Server is the client-facing HTTP surface.
type Server struct {
	cfg  config.HTTPConfig
	deps Deps
	log  *slog.Logger
}

func NewServer(cfg config.HTTPConfig, deps Deps, log *slog.Logger) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With(slog.String("component", "httpapi")),
	}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	// Browser-facing redemption carries the code itself; no API key.
	r.GET("/cli-web-bridge/open", s.handleBridgeOpen)

	api := r.Group("/api")
	api.Use(s.requireAPIKey())
	{
		api.POST("/chat", s.handleChat)
		api.POST("/synthesize", s.handleSynthesize)
		api.POST("/transcribe", s.handleTranscribe)
		api.GET("/context", s.handleGetContext)
		api.GET("/user", s.handleGetUser)

		api.GET("/characters", s.handleListCharacters)
		api.GET("/character", s.handleGetCharacter)
		api.GET("/character/:id", s.handleGetCharacter)
		api.POST("/character", s.handleUpdateCharacter)
		api.DELETE("/character/:id", s.handleDeleteCharacter)
		api.POST("/character/icon", s.handleSetCharacterIcon)
		api.POST("/character/activate", s.handleActivateCharacter)
		api.POST("/character/create", s.handleCreateCharacter)

		api.GET("/diary", s.handleGetDiary)

		api.POST("/cli-web-bridge/start", s.handleBridgeStart)
	}

	r.GET("/ws", s.requireAPIKey(), s.handleWebSocket)
	return r
}

// requireAPIKey rejects requests without the configured bearer token.
// Authorization failures happen before any stream opens.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if auth == "" || token == auth || token != s.cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": protocol.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadyz(c *gin.Context) {
	if s.deps.Ready != nil && !s.deps.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
