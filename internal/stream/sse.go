package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// ErrNoFlusher is returned when the response writer cannot stream.
var ErrNoFlusher = errors.New("stream: response writer does not support flushing")

// Sink receives envelopes produced during a run.
type Sink interface {
	Send(env *Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(env *Envelope) error

func (f SinkFunc) Send(env *Envelope) error { return f(env) }

// Writer writes envelopes as server-sent events.
type Writer struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

// NewWriter sets the event-stream headers and returns a Writer.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &Writer{w: w, f: f}, nil
}

// Send writes one `data:` event and flushes it.
func (sw *Writer) Send(env *Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", b); err != nil {
		return err
	}
	sw.f.Flush()
	return nil
}

// Reader decodes `data:` lines from an event stream.
type Reader struct {
	sc *bufio.Scanner
}

const maxEventSize = 4 << 20

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventSize)
	return &Reader{sc: sc}
}

// Next returns the next envelope, or io.EOF at end of stream. Lines that are
// not data events or do not decode are skipped.
func (r *Reader) Next() (*Envelope, error) {
	for r.sc.Scan() {
		line := strings.TrimSpace(r.sc.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &env); err != nil {
			continue
		}
		return &env, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

type sinkKey struct{}

type sinkCtx struct {
	threadID string
	sink     Sink
}

// WithSink attaches a sink to ctx. Graph nodes publish through Emit.
func WithSink(ctx context.Context, threadID string, sink Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sinkCtx{threadID: threadID, sink: sink})
}

// Emit wraps msg in a stream envelope and sends it to the sink in ctx.
// Without a sink it does nothing.
func Emit(ctx context.Context, msg *Message) error {
	sc, ok := ctx.Value(sinkKey{}).(sinkCtx)
	if !ok || sc.sink == nil {
		return nil
	}
	return sc.sink.Send(NewStream(sc.threadID, msg))
}
