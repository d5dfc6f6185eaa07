package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize bounds the messages buffered per SSE connection.
const DefaultQueueSize = 64

// keepaliveInterval keeps idle proxies from closing the stream.
const keepaliveInterval = 25 * time.Second

var (
	// ErrSlowSubscriber is returned by Send when the queue is full.
	ErrSlowSubscriber = errors.New("subscriber queue full")
	// ErrClosed is returned by Send after the connection closed.
	ErrClosed = errors.New("connection closed")
)

// Conn is a Server-Sent Events subscriber. Messages are queued by Send and
// written by Serve, so a slow client never blocks the broadcaster.
type Conn struct {
	queue       chan Message
	done        chan struct{}
	id          string
	ConnectedAt time.Time
	closeOnce   sync.Once
}

// NewConn creates a connection with a bounded queue.
func NewConn(queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Conn{
		id:          "sub-" + uuid.NewString(),
		queue:       make(chan Message, queueSize),
		done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close ends the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Send enqueues msg without blocking.
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// Serve writes queued messages to w until ctx ends or the connection is
// closed. The connection is closed on return.
func (c *Conn) Serve(ctx context.Context, w http.ResponseWriter) error {
	defer c.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("SSE not supported: ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return err
			}
			flusher.Flush()
		case msg := <-c.queue:
			frame, err := FormatEvent(msg)
			if err != nil {
				return err
			}
			if _, err := w.Write([]byte(frame)); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// FormatEvent renders msg as an SSE frame named after its type.
func FormatEvent(msg Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}

	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(msg.Type)
	b.WriteString("\n")
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String(), nil
}
