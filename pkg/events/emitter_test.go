package events

import (
	"testing"
	"time"
)

func TestOnOff(t *testing.T) {
	e := New()
	var got []string
	s1 := e.On(Connected, func(ev Event) { got = append(got, "first") })
	e.On(Connected, func(ev Event) { got = append(got, "second") })

	e.Emit(Event{Name: Connected})
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("expected handlers in registration order, got %v", got)
	}

	e.Off(s1)
	e.Off(s1)
	got = nil
	e.Emit(Event{Name: Connected})
	if len(got) != 1 || got[0] != "second" {
		t.Fatalf("expected only second handler after Off, got %v", got)
	}
}

func TestEmitOnlyMatchingName(t *testing.T) {
	e := New()
	calls := 0
	e.On(NetworkOffline, func(Event) { calls++ })
	e.Emit(Event{Name: NetworkOnline})
	if calls != 0 {
		t.Errorf("handler for %s called for %s", NetworkOffline, NetworkOnline)
	}
}

func TestHandlerMayRegisterDuringEmit(t *testing.T) {
	e := New()
	e.On(Ready, func(Event) {
		e.On(Ready, func(Event) {})
	})
	done := make(chan struct{})
	go func() {
		e.Emit(Event{Name: Ready})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit deadlocked when a handler called On")
	}
}

func TestSubscribeReceivesAllEvents(t *testing.T) {
	e := New()
	ch := e.Subscribe()
	defer e.Unsubscribe(ch)

	e.Emit(Event{Name: WireBusy, Method: "GET", IsFolder: true})

	select {
	case ev := <-ch:
		if ev.Name != WireBusy || ev.Method != "GET" || !ev.IsFolder {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeDropsForSlowConsumer(t *testing.T) {
	e := New()
	ch := e.Subscribe()
	defer e.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		e.Emit(Event{Name: WireDone})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}
