package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waifuos/waifud/internal/bridge"
	"github.com/waifuos/waifud/internal/characters"
	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/contextstore"
	"github.com/waifuos/waifud/internal/llm"
	"github.com/waifuos/waifud/internal/pipeline"
	"github.com/waifuos/waifud/internal/protocol"
	"github.com/waifuos/waifud/internal/stt"
	"github.com/waifuos/waifud/internal/tts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, apiKey string) (*gin.Engine, Deps) {
	t.Helper()
	dir := t.TempDir()
	log := testLogger()

	contexts, err := contextstore.Open(context.Background(), config.ContextStoreConfig{
		Path: filepath.Join(dir, "context.db"),
	}, log)
	if err != nil {
		t.Fatalf("open context store: %v", err)
	}
	t.Cleanup(func() { contexts.Close() })

	registry, err := characters.Open(context.Background(), config.CharactersConfig{
		Path:    filepath.Join(dir, "characters.db"),
		DataDir: filepath.Join(dir, "characters"),
	}, nil, log)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	cfg := config.Default()
	p := pipeline.New(cfg, pipeline.Options{
		Generator:   &llm.MockGenerator{Reply: "こんにちは。"},
		Synthesizer: &tts.MockSynthesizer{},
		Recognizer:  &stt.MockRecognizer{Text: "音声入力"},
		Contexts:    contexts,
	}, log)

	deps := Deps{
		Pipeline:    p,
		Contexts:    contexts,
		Characters:  registry,
		Creator:     characters.NewCreator(registry, &llm.MockGenerator{Reply: "doc"}, &characters.MockImageClient{}, log),
		Bridge:      bridge.NewService(bridge.NewMemStore(), log),
		Recognizer:  &stt.MockRecognizer{Text: "音声入力"},
		Synthesizer: &tts.MockSynthesizer{},
	}
	srv := NewServer(config.HTTPConfig{APIKey: apiKey}, deps, log)
	return srv.Router(), deps
}

func doJSON(t *testing.T, router *gin.Engine, method, path, apiKey string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeStream(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("line missing frame prefix: %q", line)
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode line %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestAuthRequiredBeforeStream(t *testing.T) {
	router, _ := newTestServer(t, "secret")

	w := doJSON(t, router, http.MethodPost, "/api/chat", "",
		`{"type":"start","session_id":"s1","user_id":"u1","text":"hi"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/chat", "wrong",
		`{"type":"start","session_id":"s1","user_id":"u1","text":"hi"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad key = %d", w.Code)
	}
}

func TestChatStreamsFramedEvents(t *testing.T) {
	router, _ := newTestServer(t, "secret")

	w := doJSON(t, router, http.MethodPost, "/api/chat", "secret",
		`{"type":"start","session_id":"s1","user_id":"u1","text":"こんにちは"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	events := decodeStream(t, w.Body.String())
	if events[0]["type"] != protocol.EventStart {
		t.Fatalf("first event = %v", events[0])
	}
	last := events[len(events)-1]
	if last["type"] != protocol.EventFinal {
		t.Fatalf("terminal event = %v", last)
	}
	ctxID, _ := last["context_id"].(string)
	if !strings.HasPrefix(ctxID, "ctx_") {
		t.Fatalf("final context id = %q", ctxID)
	}
}

func TestChatNonStreaming(t *testing.T) {
	router, _ := newTestServer(t, "")

	w := doJSON(t, router, http.MethodPost, "/api/chat", "",
		`{"type":"start","session_id":"s1","user_id":"u1","text":"hi","stream":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var res pipeline.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Terminal.Type != protocol.EventFinal {
		t.Fatalf("terminal = %+v", res.Terminal)
	}
}

func TestChatRejectsInvalidRequest(t *testing.T) {
	router, _ := newTestServer(t, "")

	w := doJSON(t, router, http.MethodPost, "/api/chat", "",
		`{"type":"start","session_id":"s1","user_id":"u1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestContextEndpoint(t *testing.T) {
	router, deps := newTestServer(t, "")

	if err := deps.Contexts.PutContext(context.Background(), "u1", "s1", "ctx_55"); err != nil {
		t.Fatalf("seed context: %v", err)
	}
	w := doJSON(t, router, http.MethodGet, "/api/context?user_id=u1&session_id=s1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ctx_55") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestGetUserCreatesRow(t *testing.T) {
	router, _ := newTestServer(t, "")

	w := doJSON(t, router, http.MethodGet, "/api/user?user_id=u9&character_id=waifu_a", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "u9") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestCharacterLifecycleOverHTTP(t *testing.T) {
	router, deps := newTestServer(t, "")
	ctx := context.Background()

	if err := deps.Characters.Put(ctx, characters.Character{ID: "waifu_a", Name: "あかり"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := deps.Characters.SetPortrait(ctx, "waifu_a", []byte("png")); err != nil {
		t.Fatalf("portrait: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/api/characters", "", "")
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "portrait") {
		t.Fatalf("list status=%d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/character/waifu_a", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "portrait") {
		t.Fatalf("get status=%d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/character/waifu_missing", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing character status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/character/activate", "",
		`{"user_id":"u1","character_id":"waifu_a"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("activate status=%d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodDelete, "/api/character/waifu_a", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status=%d body=%s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, http.MethodGet, "/api/character/waifu_a", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("deleted character status = %d", w.Code)
	}
}

func TestDiaryEndpoint(t *testing.T) {
	router, deps := newTestServer(t, "")

	date := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	if err := deps.Characters.WriteDiary("waifu_a", date, "## 2026/08/29の日記\n\n今日の話。"); err != nil {
		t.Fatalf("seed diary: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/api/diary?character_id=waifu_a&date=2026-08-29", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "今日の話") {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/diary?character_id=waifu_a&date=2026-08-28", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing entry status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/diary?date=2026-08-29", "", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing character_id status = %d", w.Code)
	}
}

func TestCharacterCreationStream(t *testing.T) {
	router, _ := newTestServer(t, "")

	w := doJSON(t, router, http.MethodPost, "/api/character/create", "",
		`{"name":"ゆい","description":"説明"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	events := decodeStream(t, w.Body.String())
	last := events[len(events)-1]
	if last["stage"] != characters.StageFinal {
		t.Fatalf("terminal stage = %v", last)
	}
}

func TestBridgeFlow(t *testing.T) {
	router, _ := newTestServer(t, "secret")

	w := doJSON(t, router, http.MethodPost, "/api/cli-web-bridge/start", "secret",
		`{"user_id":"user_7"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d", w.Code)
	}
	var started struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(started.Link, "/cli-web-bridge/open?code=") {
		t.Fatalf("link = %q", started.Link)
	}

	// Redemption needs no API key; the browser only has the link.
	w = doJSON(t, router, http.MethodGet, started.Link, "", "")
	if w.Code != http.StatusFound {
		t.Fatalf("open status = %d", w.Code)
	}
	if loc := w.Header().Get("Location"); !strings.Contains(loc, "user_7") {
		t.Fatalf("redirect location = %q", loc)
	}

	// Second redemption is gone.
	w = doJSON(t, router, http.MethodGet, started.Link, "", "")
	if w.Code != http.StatusGone {
		t.Fatalf("second open status = %d", w.Code)
	}
}

func TestSynthesizeRejectsEmptyText(t *testing.T) {
	router, _ := newTestServer(t, "")

	w := doJSON(t, router, http.MethodPost, "/api/synthesize", "", `{"text":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSynthesizeReturnsAudio(t *testing.T) {
	router, _ := newTestServer(t, "")

	w := doJSON(t, router, http.MethodPost, "/api/synthesize", "", `{"text":"こんにちは。"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Body.String(); got != "audio:こんにちは。" {
		t.Fatalf("audio = %q", got)
	}
}
