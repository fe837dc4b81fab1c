package eventbus

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func collect(t *testing.T, sub Subscription, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				t.Fatalf("channel closed after %d events, want %d", len(got), n)
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(got), n)
		}
	}
	return got
}

func TestBusDeliversInOrderToEverySubscriber(t *testing.T) {
	bus := New()
	first := bus.Subscribe("s1")
	defer first.Close()
	second := bus.Subscribe("s1")
	defer second.Close()

	kinds := []Kind{KindStarted, KindPlanning, KindPlanningComplete, KindStepStarted, KindStepComplete}
	for _, kind := range kinds {
		if _, err := bus.Publish("s1", kind, map[string]int{"n": 1}); err != nil {
			t.Fatalf("publish %s: %v", kind, err)
		}
	}
	for _, sub := range []Subscription{first, second} {
		got := collect(t, sub, len(kinds))
		for i, evt := range got {
			if evt.Kind != kinds[i] {
				t.Fatalf("event %d kind = %s, want %s", i, evt.Kind, kinds[i])
			}
			if evt.Sequence != int64(i+1) {
				t.Fatalf("event %d sequence = %d, want %d", i, evt.Sequence, i+1)
			}
		}
	}
}

func TestBusDoesNotReplayToLateSubscribers(t *testing.T) {
	bus := New()
	if _, err := bus.Publish("s1", KindStarted, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	late := bus.Subscribe("s1")
	defer late.Close()
	if _, err := bus.Publish("s1", KindPlanning, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := collect(t, late, 1)
	if got[0].Kind != KindPlanning || got[0].Sequence != 2 {
		t.Fatalf("late subscriber got %s #%d, want planning #2", got[0].Kind, got[0].Sequence)
	}
}

func TestBusIsolatesSessions(t *testing.T) {
	bus := New()
	a := bus.Subscribe("a")
	defer a.Close()
	b := bus.Subscribe("b")
	defer b.Close()
	if _, err := bus.Publish("a", KindStarted, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := bus.Publish("b", KindStarted, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := collect(t, a, 1); got[0].SessionID != "a" || got[0].Sequence != 1 {
		t.Fatalf("unexpected event for a: %+v", got[0])
	}
	if got := collect(t, b, 1); got[0].SessionID != "b" || got[0].Sequence != 1 {
		t.Fatalf("unexpected event for b: %+v", got[0])
	}
}

func TestCloseSessionDrainsThenCloses(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("s1")
	for _, kind := range []Kind{KindStarted, KindRefining, KindComplete} {
		if _, err := bus.Publish("s1", kind, nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	bus.CloseSession("s1")
	got := collect(t, sub, 3)
	if !got[2].Kind.Terminal() {
		t.Fatalf("expected terminal event last, got %s", got[2].Kind)
	}
	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatalf("expected closed channel after drain")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after CloseSession")
	}
}

func TestSlowSubscriberIsEvictedNotReordered(t *testing.T) {
	bus := New(WithQueueLimit(1))
	slow := bus.Subscribe("s1")
	fast := bus.Subscribe("s1")
	defer fast.Close()

	received := make(chan Event, 8)
	go func() {
		for evt := range fast.Events {
			received <- evt
		}
	}()
	for i := 0; i < 3; i++ {
		if _, err := bus.Publish("s1", KindStepStarted, map[string]int{"index": i + 1}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		// let the fast reader keep up so only the idle subscriber overflows
		time.Sleep(20 * time.Millisecond)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-slow.Events:
			if !ok {
				goto drained
			}
		case <-deadline:
			t.Fatalf("slow subscriber was not evicted")
		}
	}
drained:
	if bus.Subscribers("s1") != 1 {
		t.Fatalf("expected one remaining subscriber, got %d", bus.Subscribers("s1"))
	}
	var last int64
	for i := 0; i < 3; i++ {
		select {
		case evt := <-received:
			if evt.Sequence <= last {
				t.Fatalf("sequence went backwards: %d after %d", evt.Sequence, last)
			}
			last = evt.Sequence
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber missed event %d", i+1)
		}
	}
}

func TestPublishRequiresSession(t *testing.T) {
	bus := New()
	if _, err := bus.Publish(" ", KindStarted, nil); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestEventStringTruncatesOnRuneBoundary(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"prompt": strings.Repeat("读取数据集", 60)})
	line := Event{Sequence: 3, Kind: KindStarted, Payload: payload}.String()
	if !utf8.ValidString(line) {
		t.Fatalf("String produced invalid UTF-8: %q", line)
	}
	if !strings.HasSuffix(line, "...") {
		t.Fatalf("long payload not truncated: %q", line)
	}
	if got := utf8.RuneCountInString(strings.TrimPrefix(line, "#3 started ")); got != 160 {
		t.Fatalf("truncated payload has %d runes, want 160", got)
	}
}
