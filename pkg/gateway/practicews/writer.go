package practicews

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWriterClosed is returned by Send after Close or once Run has exited.
var ErrWriterClosed = errors.New("practicews: writer closed")

// Conn is the write half of a websocket connection.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type WriterConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	QueueSize    int
}

// Writer is the single goroutine allowed to write to a practice socket.
// Errors and warnings go out ahead of queued state and tick frames.
type Writer struct {
	ws  Conn
	ctx context.Context
	cfg WriterConfig

	priority chan []byte
	normal   chan []byte
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewWriter(ctx context.Context, ws Conn, cfg WriterConfig) *Writer {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Writer{
		ws:       ws,
		ctx:      ctx,
		cfg:      cfg,
		priority: make(chan []byte, 8),
		normal:   make(chan []byte, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Send queues a JSON frame. Tick frames are dropped rather than queued when
// the socket is backed up; the next tick supersedes them.
func (w *Writer) Send(v any) error {
	if v == nil {
		return nil
	}
	_, isTick := v.(TickFrame)
	return w.enqueue(w.normal, v, isTick)
}

// SendPriority queues a frame ahead of everything sent with Send.
func (w *Writer) SendPriority(v any) error {
	if v == nil {
		return nil
	}
	return w.enqueue(w.priority, v, false)
}

func (w *Writer) enqueue(ch chan []byte, v any, droppable bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	if droppable {
		select {
		case ch <- payload:
		default:
		}
		return nil
	}
	select {
	case ch <- payload:
		return nil
	case <-w.done:
		return ErrWriterClosed
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// Close stops accepting frames. Run drains what is queued and returns.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.priority)
	close(w.normal)
}

// Done is closed when Run returns.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) Run() error {
	defer close(w.done)
	if w.ws == nil {
		return nil
	}

	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	priority := w.priority
	normal := w.normal
	var pendingNormal []byte

	for {
		select {
		case <-w.ctx.Done():
			w.flushPriorityOnShutdown(priority)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.cfg.WriteTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Anything queued at priority goes first, including ahead of a
		// normal frame already taken off its queue.
		select {
		case frame, ok := <-priority:
			if !ok {
				priority = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			if err := w.write(pendingNormal); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if priority == nil && normal == nil {
			return nil
		}

		select {
		case <-w.ctx.Done():
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.cfg.WriteTimeout)); err != nil {
				return err
			}
		case frame, ok := <-priority:
			if !ok {
				priority = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
		case frame, ok := <-normal:
			if !ok {
				normal = nil
				continue
			}
			pendingNormal = frame
		}
	}
}

func (w *Writer) flushPriorityOnShutdown(priority <-chan []byte) {
	if priority == nil {
		return
	}
	flushTimeout := 100 * time.Millisecond
	if w.cfg.WriteTimeout < flushTimeout {
		flushTimeout = w.cfg.WriteTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-priority:
			if !ok {
				return
			}
			_ = w.write(frame)
		default:
			return
		}
	}
}

func (w *Writer) write(payload []byte) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}
