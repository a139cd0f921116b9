package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// requestOpKey is the context key for the logical remote operation name.
const requestOpKey contextKey = "remote_op"

// WithRequestOp returns a context carrying the logical operation name for an
// outbound remote request, picked up by InstrumentedTransport.
func WithRequestOp(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, requestOpKey, op)
}

func requestOpFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(requestOpKey).(string); ok && op != "" {
		return op
	}
	return ""
}

// InstrumentedTransport wraps an http.RoundTripper with remote request metrics.
type InstrumentedTransport struct {
	base      http.RoundTripper
	defaultOp string
}

// NewInstrumentedTransport creates a new instrumented transport.
// If base is nil, http.DefaultTransport is used. defaultOp labels requests
// whose context carries no operation name.
func NewInstrumentedTransport(base http.RoundTripper, defaultOp string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, defaultOp: defaultOp}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	op := requestOpFromContext(req.Context())
	if op == "" {
		op = t.defaultOp
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordRemoteRequest(req.Context(), op, duration, 0, outcome)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		op:         op,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	op       string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordRemoteRequest(b.ctx, b.op, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
