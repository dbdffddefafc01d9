// Package capture wraps the platform microphone primitive behind a small
// port. A Device buffers encoded chunks for exactly one recording.
package capture

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPermissionDenied is returned by Factory.Open when the platform
	// refuses microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrNotRecording is returned by Push on a device that is not capturing.
	ErrNotRecording = errors.New("device is not recording")
	// ErrRecordingTooLarge is returned by Push once the recording has
	// reached its size cap. The chunk is not buffered and neither is any
	// chunk after it.
	ErrRecordingTooLarge = errors.New("recording exceeds the size limit")
)

// Recording is the finite buffer produced by one capture.
type Recording struct {
	MIMEType  string
	Extension string
	Chunks    [][]byte
}

// Bytes concatenates the buffered chunks.
func (r Recording) Bytes() []byte {
	n := 0
	for _, c := range r.Chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range r.Chunks {
		out = append(out, c...)
	}
	return out
}

// Len is the total number of buffered bytes.
func (r Recording) Len() int {
	n := 0
	for _, c := range r.Chunks {
		n += len(c)
	}
	return n
}

// Device is an acquired capture handle.
type Device interface {
	// MIMEType is the negotiated encoding.
	MIMEType() string
	// Stop ends capture and returns everything buffered so far. Calling it
	// twice returns an empty recording.
	Stop() Recording
	// Close releases the handle. It is idempotent.
	Close() error
}

// Factory acquires capture handles.
type Factory interface {
	Open(ctx context.Context) (Device, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Device, error)

func (f FactoryFunc) Open(ctx context.Context) (Device, error) {
	return f(ctx)
}

// StreamDevice is a Device fed by externally delivered chunks, for example
// MediaRecorder blobs relayed over a WebSocket.
type StreamDevice struct {
	mimeType  string
	extension string
	maxBytes  int

	mu        sync.Mutex
	chunks    [][]byte
	size      int
	recording bool
	full      bool
	closed    bool
	onClose   func()
}

// NewStreamDevice creates a recording device. maxBytes <= 0 disables the
// size cap.
func NewStreamDevice(mimeType string, maxBytes int, onClose func()) *StreamDevice {
	ext := ExtensionFor(mimeType)
	if ext == "" {
		ext = "webm"
	}
	return &StreamDevice{
		mimeType:  mimeType,
		extension: ext,
		maxBytes:  maxBytes,
		recording: true,
		onClose:   onClose,
	}
}

func (d *StreamDevice) MIMEType() string {
	return d.mimeType
}

// Push appends one encoded chunk. Empty chunks are ignored. A chunk that
// would take the recording past the cap fails with ErrRecordingTooLarge and
// the device stops buffering, so what was captured stays contiguous.
func (d *StreamDevice) Push(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.recording {
		return ErrNotRecording
	}
	if d.full || (d.maxBytes > 0 && d.size+len(chunk) > d.maxBytes) {
		d.full = true
		return ErrRecordingTooLarge
	}
	d.chunks = append(d.chunks, append([]byte(nil), chunk...))
	d.size += len(chunk)
	return nil
}

func (d *StreamDevice) Stop() Recording {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := Recording{MIMEType: d.mimeType, Extension: d.extension, Chunks: d.chunks}
	d.chunks = nil
	d.size = 0
	d.recording = false
	return rec
}

func (d *StreamDevice) Close() error {
	d.mu.Lock()
	d.recording = false
	d.chunks = nil
	d.size = 0
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	onClose := d.onClose
	d.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}
