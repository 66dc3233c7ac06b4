package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waifuos/waifud/internal/characters"
	"github.com/waifuos/waifud/internal/contextstore"
	"github.com/waifuos/waifud/internal/protocol"
	"github.com/waifuos/waifud/internal/tts"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, protocol.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrExpired), errors.Is(err, protocol.ErrAlreadyUsed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

// handleChat runs one conversation turn. The default response is a
// newline-delimited event stream; `"stream": false` buffers the turn
// and returns the terminal payload as plain JSON.
func (s *Server) handleChat(c *gin.Context) {
	var req protocol.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, err))
		return
	}
	if err := req.Validate(); err != nil {
		s.abortWithError(c, err)
		return
	}

	if !req.Streaming() {
		res, err := s.deps.Pipeline.RunTurnSync(c.Request.Context(), req)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	emitter := newStreamEmitter(c.Writer)
	c.Status(http.StatusOK)
	err := s.deps.Pipeline.RunTurn(c.Request.Context(), req, func(ev protocol.TurnEvent) error {
		return emitter.Emit(ev)
	})
	if err != nil {
		// The stream is already open; nothing to send but a log line.
		s.log.Warn("chat stream aborted", slog.String("error", err.Error()))
	}
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Service  string `json:"service,omitempty"`
	Speaker  string `json:"speaker,omitempty"`
	Language string `json:"language,omitempty"`
}

func (s *Server) handleSynthesize(c *gin.Context) {
	var req synthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, err))
		return
	}
	audio, err := s.deps.Synthesizer.Synthesize(c.Request.Context(), tts.Request{
		Text:     req.Text,
		Service:  req.Service,
		Speaker:  req.Speaker,
		Language: req.Language,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "audio/mpeg", audio)
}

func (s *Server) handleTranscribe(c *gin.Context) {
	file, _, err := c.Request.FormFile("audio")
	if err != nil {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, err))
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	res, err := s.deps.Recognizer.Transcribe(c.Request.Context(), audio, c.Request.FormValue("session_id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGetContext(c *gin.Context) {
	userID := c.Query("user_id")
	sessionID := c.Query("session_id")
	if userID == "" || sessionID == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest,
			errors.New("user_id and session_id are required")))
		return
	}
	contextID, ok, err := s.deps.Contexts.GetContext(c.Request.Context(), userID, sessionID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"context_id": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"context_id": contextID})
}

// handleGetUser returns the identity row, creating it on first sight.
func (s *Server) handleGetUser(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, errors.New("user_id is required")))
		return
	}
	characterID := c.Query("character_id")

	user, ok, err := s.deps.Contexts.GetUser(c.Request.Context(), userID, characterID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if !ok {
		user, err = s.deps.Contexts.PutUser(c.Request.Context(), contextstore.User{
			UserID:      userID,
			CharacterID: characterID,
		})
		if err != nil {
			s.abortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleListCharacters(c *gin.Context) {
	list, err := s.deps.Characters.List(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": list})
}

// handleGetCharacter serves both /character?id= and /character/:id,
// including the base64 portrait.
func (s *Server) handleGetCharacter(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		id = c.Query("id")
	}
	if id == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, errors.New("character id is required")))
		return
	}
	ch, err := s.deps.Characters.Get(c.Request.Context(), id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) handleUpdateCharacter(c *gin.Context) {
	var ch characters.Character
	if err := c.ShouldBindJSON(&ch); err != nil {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, err))
		return
	}
	if ch.ID == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, errors.New("character id is required")))
		return
	}
	updated, err := s.deps.Characters.Update(c.Request.Context(), ch)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteCharacter(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, errors.New("character id is required")))
		return
	}
	if err := s.deps.Characters.Delete(c.Request.Context(), id); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleGetDiary serves a stored diary entry. The date defaults to
// yesterday, the most recent day a diary can exist for.
func (s *Server) handleGetDiary(c *gin.Context) {
	id := c.Query("character_id")
	if id == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, errors.New("character_id is required")))
		return
	}
	date := time.Now().AddDate(0, 0, -1)
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, err))
			return
		}
		date = parsed
	}
	entry, err := s.deps.Characters.Diary(id, date)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if entry == "" {
		s.abortWithError(c, errors.Join(protocol.ErrNotFound, errors.New("no diary entry for date")))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"character_id": id,
		"date":         date.Format("2006-01-02"),
		"diary":        entry,
	})
}

func (s *Server) handleSetCharacterIcon(c *gin.Context) {
	id := c.Request.FormValue("id")
	if id == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, errors.New("character id is required")))
		return
	}
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, err))
		return
	}
	defer file.Close()
	png, err := io.ReadAll(file)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if err := s.deps.Characters.SetPortrait(c.Request.Context(), id, png); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type activateRequest struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
}

func (s *Server) handleActivateCharacter(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, err))
		return
	}
	if req.UserID == "" || req.CharacterID == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest,
			errors.New("user_id and character_id are required")))
		return
	}
	prior, err := s.deps.Characters.Activate(c.Request.Context(), req.UserID, req.CharacterID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if s.deps.Creator != nil {
		if err := s.deps.Creator.EnsureDailyPlan(c.Request.Context(), req.CharacterID); err != nil {
			s.log.Warn("daily plan regeneration failed",
				slog.String("character_id", req.CharacterID),
				slog.String("error", err.Error()))
		}
	}
	c.JSON(http.StatusOK, gin.H{"character_id": req.CharacterID, "prior_id": prior})
}

// handleCreateCharacter streams the staged creation flow over the same
// line framing as turns.
func (s *Server) handleCreateCharacter(c *gin.Context) {
	var req characters.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, err))
		return
	}
	if req.Name == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, errors.New("name is required")))
		return
	}

	emitter := newStreamEmitter(c.Writer)
	c.Status(http.StatusOK)
	err := s.deps.Creator.Create(c.Request.Context(), req, func(ev characters.StageEvent) error {
		return emitter.Emit(ev)
	})
	if err != nil {
		s.log.Warn("creation stream aborted", slog.String("error", err.Error()))
	}
}

type bridgeStartRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleBridgeStart(c *gin.Context) {
	var req bridgeStartRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, errors.New("user_id is required")))
		return
	}
	code, err := s.deps.Bridge.Issue(c.Request.Context(), req.UserID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"link": "/cli-web-bridge/open?code=" + code})
}

// handleBridgeOpen redeems the code and redirects the browser with the
// resolved user id. Invalid, expired and already-used codes all answer
// 410 so code validity cannot be distinguished from outside.
func (s *Server) handleBridgeOpen(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		s.abortWithError(c, errors.Join(protocol.ErrInvalidRequest, errors.New("code is required")))
		return
	}
	userID, err := s.deps.Bridge.Redeem(c.Request.Context(), code)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "link expired or already used"})
		return
	}
	c.Redirect(http.StatusFound, "/?user_id="+url.QueryEscape(userID))
}
