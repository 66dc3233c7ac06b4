package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// linePrefix is the fixed marker in front of every streamed event line.
const linePrefix = "data: "

// streamEmitter frames events as newline-delimited JSON, one line per
// event, flushed immediately so clients see progress as it happens.
type streamEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newStreamEmitter(w http.ResponseWriter) *streamEmitter {
	e := &streamEmitter{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	return e
}

func (e *streamEmitter) Emit(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "%s%s\n", linePrefix, data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
