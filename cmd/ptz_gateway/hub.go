package main

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// backlog is how many log lines a new subscriber is sent first.
const backlog = 100

// Message is one item of the websocket stream.
type Message struct {
	Type   string          `json:"type"`
	Time   time.Time       `json:"time"`
	Line   string          `json:"line,omitempty"`
	Status *StatusResponse `json:"status,omitempty"`
}

// Hub fans log lines and status updates out to subscribers. Slow
// subscribers miss messages rather than block the gateway.
type Hub struct {
	mu    sync.Mutex
	subs  map[uuid.UUID]chan Message
	lines []Message
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]chan Message)}
}

// Logf logs through the standard logger and publishes the line.
func (h *Hub) Logf(format string, v ...interface{}) {
	line := fmt.Sprintf(format, v...)
	log.Print(line)
	m := Message{Type: "log", Time: time.Now(), Line: line}
	h.mu.Lock()
	h.lines = append(h.lines, m)
	if len(h.lines) > backlog {
		h.lines = h.lines[len(h.lines)-backlog:]
	}
	h.mu.Unlock()
	h.Publish(m)
}

func (h *Hub) Publish(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- m:
		default:
		}
	}
}

// Subscribe returns a channel primed with the recent log lines.
func (h *Hub) Subscribe() (uuid.UUID, <-chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := uuid.New()
	ch := make(chan Message, backlog+16)
	for _, m := range h.lines {
		ch <- m
	}
	h.subs[id] = ch
	return id, ch
}

func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
