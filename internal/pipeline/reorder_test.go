package pipeline

import (
	"testing"

	"github.com/waifuos/waifud/internal/protocol"
)

func TestReorderBufferReleasesInOrder(t *testing.T) {
	var got []string
	b := newReorderBuffer(func(ev protocol.TurnEvent) error {
		got = append(got, ev.Text)
		return nil
	})

	// Slot 2 and 1 arrive before slot 0; nothing may be released early.
	if err := b.Put(2, protocol.TurnEvent{Text: "c"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Put(1, protocol.TurnEvent{Text: "b"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("released before slot 0 arrived: %q", got)
	}
	if err := b.Put(0, protocol.TurnEvent{Text: "a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("release order = %q, want %q", got, want)
	}
}

func TestReorderBufferStopsAfterEmitFailure(t *testing.T) {
	calls := 0
	b := newReorderBuffer(func(ev protocol.TurnEvent) error {
		calls++
		return protocol.ErrUpstreamFailure
	})

	if err := b.Put(0, protocol.TurnEvent{Text: "a"}); err == nil {
		t.Fatal("expected emit error")
	}
	if err := b.Put(1, protocol.TurnEvent{Text: "b"}); err == nil {
		t.Fatal("expected sticky error on later Put")
	}
	if calls != 1 {
		t.Fatalf("emitter called %d times after failure", calls)
	}
	if b.Err() == nil {
		t.Fatal("Err should report the failure")
	}
}
