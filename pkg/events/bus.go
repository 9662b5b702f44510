// Package events implements the per-workflow ordered event stream that
// external subscribers attach to, with bounded replay so a reconnecting
// subscriber can resume from the last sequence number it saw.
package events

import (
	"sync"
	"time"
)

// Type identifies one kind of workflow progress event.
type Type string

const (
	TypeWorkflowStarted  Type = "workflow_started"
	TypeNodeStarted      Type = "node_started"
	TypeToolStarted      Type = "tool_started"
	TypeFindingEmitted   Type = "finding_emitted"
	TypeToolFinished     Type = "tool_finished"
	TypeNodeFinished     Type = "node_finished"
	TypeProgress         Type = "progress"
	TypeCheckpointSaved  Type = "checkpoint_saved"
	TypePaused           Type = "paused"
	TypeResumed          Type = "resumed"
	TypeWorkflowFinished Type = "workflow_finished"
)

// Event is one totally-ordered, idempotent-keyed entry in a workflow's
// stream; Seq increases monotonically per workflow and never repeats.
type Event struct {
	WorkflowID string         `json:"workflow_id"`
	Seq        int64          `json:"seq"`
	Type       Type           `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Time       time.Time      `json:"time"`
}

const replayBufferSize = 256

// Bus fans a single producer's events for one workflow out to any
// number of subscribers, and retains a bounded replay buffer so a
// reconnecting subscriber can resume from the last sequence it saw.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mu       sync.Mutex
	history  []Event // ring-bounded by replayBufferSize, oldest first
	nextSeq  int64
	subs     map[chan Event]struct{}
}

// New builds an empty event bus.
func New() *Bus {
	return &Bus{streams: make(map[string]*stream)}
}

func (b *Bus) streamFor(workflowID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[workflowID]
	if !ok {
		s = &stream{subs: make(map[chan Event]struct{})}
		b.streams[workflowID] = s
	}
	return s
}

// Publish appends an event to workflowID's stream, assigning it the
// next sequence number, and delivers it to every live subscriber.
// Delivery is best-effort: a subscriber whose channel is full misses
// the live push but can still recover it via replay on reconnect.
func (b *Bus) Publish(workflowID string, typ Type, payload map[string]any) Event {
	s := b.streamFor(workflowID)

	s.mu.Lock()
	s.nextSeq++
	ev := Event{WorkflowID: workflowID, Seq: s.nextSeq, Type: typ, Payload: payload, Time: time.Now()}
	s.history = append(s.history, ev)
	if len(s.history) > replayBufferSize {
		s.history = s.history[len(s.history)-replayBufferSize:]
	}
	subs := make([]chan Event, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns a channel of future events for workflowID, plus a
// replay of any buffered events with Seq > fromSeq (pass 0 to receive
// everything still buffered). The returned cancel func must be called
// to release the subscription.
func (b *Bus) Subscribe(workflowID string, fromSeq int64) (<-chan Event, []Event, func()) {
	s := b.streamFor(workflowID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var replay []Event
	for _, ev := range s.history {
		if ev.Seq > fromSeq {
			replay = append(replay, ev)
		}
	}

	ch := make(chan Event, 64)
	s.subs[ch] = struct{}{}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; !ok {
			return
		}
		delete(s.subs, ch)
		close(ch)
	}
	return ch, replay, cancel
}

// Close discards a workflow's buffered history and disconnects its
// subscribers, for use once a workflow is deleted.
func (b *Bus) Close(workflowID string) {
	b.mu.Lock()
	s, ok := b.streams[workflowID]
	delete(b.streams, workflowID)
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}
