package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type recordingPublisher struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (p *recordingPublisher) PublishProgress(_ context.Context, taskID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.payloads == nil {
		p.payloads = map[string][][]byte{}
	}
	p.payloads[taskID] = append(p.payloads[taskID], payload)
	return nil
}

func TestHubDeliversAndFinishes(t *testing.T) {
	remote := &recordingPublisher{}
	hub := NewHub(remote)
	ctx := context.Background()

	events, unsubscribe := hub.Subscribe("t1")
	defer unsubscribe()
	other, unsubscribeOther := hub.Subscribe("t2")
	defer unsubscribeOther()

	hub.Publish(ctx, Event{TaskID: "t1", Stage: "toc", Progress: 10})
	hub.Finish(ctx, Event{TaskID: "t1", Stage: "completed", Progress: 100})

	var got []string
	for e := range events {
		got = append(got, e.Stage)
	}
	if len(got) != 2 || got[1] != "completed" {
		t.Fatalf("events = %v", got)
	}
	if hub.Subscribers("t1") != 0 || hub.Subscribers("t2") != 1 {
		t.Fatalf("subscribers t1=%d t2=%d", hub.Subscribers("t1"), hub.Subscribers("t2"))
	}
	select {
	case e := <-other:
		t.Fatalf("t2 received %+v", e)
	default:
	}

	if len(remote.payloads["t1"]) != 2 {
		t.Fatalf("remote payloads = %d, want 2", len(remote.payloads["t1"]))
	}
	var decoded Event
	if err := json.Unmarshal(remote.payloads["t1"][1], &decoded); err != nil || decoded.Stage != "completed" {
		t.Fatalf("remote payload = %s err=%v", remote.payloads["t1"][1], err)
	}
}

func TestHubTerminalEventSurvivesFullBuffer(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	events, _ := hub.Subscribe("t1")

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(ctx, Event{TaskID: "t1", Stage: "evaluating", Progress: i})
	}
	hub.Finish(ctx, Event{TaskID: "t1", Stage: "error", Progress: 100})

	var last Event
	n := 0
	for e := range events {
		last = e
		n++
	}
	if n != subscriberBuffer || last.Stage != "error" {
		t.Fatalf("received %d events, last %+v", n, last)
	}
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	_, unsubscribe := hub.Subscribe("t1")
	unsubscribe()
	unsubscribe()
	hub.Finish(context.Background(), Event{TaskID: "t1", Stage: "completed"})
	if hub.Subscribers("t1") != 0 {
		t.Fatal("subscription left behind")
	}
}
