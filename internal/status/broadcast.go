package status

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tailall/tailall/internal/metrics"
	"github.com/tailall/tailall/internal/sink"
)

// Frame is the JSON message pushed to stream clients. Type is "banner" when
// the emitting file changes and "chunk" for tailed bytes.
type Frame struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Offset  int64  `json:"offset,omitempty"`
	Data    string `json:"data,omitempty"`
	Time    string `json:"time,omitempty"`
	Session string `json:"session,omitempty"`
}

type client struct {
	id      string
	send    chan []byte
	done    chan struct{}
	dropped atomic.Int64
}

// Broadcaster is a sink.Sink that fans tailed output out to connected
// stream clients. A client whose queue is full loses the frame; the tail
// loop never waits on a slow reader.
type Broadcaster struct {
	clients sync.Map // map[string]*client
	count   atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ sink.Sink = (*Broadcaster)(nil)

// NewBroadcaster creates a Broadcaster with a per-client queue of bufSize
// frames. bufSize <= 0 means 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// register adds a client. On a closed broadcaster the returned client is
// already done.
func (b *Broadcaster) register(id string) *client {
	c := &client{
		id:   id,
		send: make(chan []byte, b.bufSize),
		done: make(chan struct{}),
	}
	if b.closed.Load() {
		close(c.done)
		return c
	}
	b.clients.Store(id, c)
	b.count.Add(1)
	metrics.StreamClients.Inc()
	return c
}

// unregister removes the client and signals its writer to stop. Unknown ids
// are ignored.
func (b *Broadcaster) unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*client).done)
		b.count.Add(-1)
		metrics.StreamClients.Dec()
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.count.Load())
}

// Banner announces a change of emitting file.
func (b *Broadcaster) Banner(path string) error {
	b.publish(Frame{Type: "banner", Path: path})
	return nil
}

// Write publishes the chunk. Data is copied into the frame.
func (b *Broadcaster) Write(c sink.Chunk) error {
	b.publish(Frame{
		Type:    "chunk",
		Path:    c.Path,
		Offset:  c.Offset,
		Data:    string(c.Data),
		Time:    c.Time.UTC().Format(time.RFC3339Nano),
		Session: c.Session,
	})
	return nil
}

func (b *Broadcaster) publish(f Frame) {
	if b.closed.Load() || b.count.Load() == 0 {
		return
	}

	raw, err := json.Marshal(f)
	if err != nil {
		b.logger.Error("stream: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*client)
		select {
		case c.send <- raw:
		default:
			c.dropped.Add(1)
			metrics.StreamDroppedTotal.Inc()
			b.logger.Warn("stream: client queue full, dropping frame",
				slog.String("client_id", c.id),
				slog.String("path", f.Path),
			)
		}
		return true
	})
}

// Close disconnects every client. Later writes are no-ops.
func (b *Broadcaster) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, _ any) bool {
			b.unregister(key.(string))
			return true
		})
	})
	return nil
}
