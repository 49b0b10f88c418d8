package wsgi

import (
	"io"
	"os"
	"sync/atomic"
	"syscall"
)

// LimitRequestCount wraps an application so the worker process recycles
// itself after a fixed number of completed responses. Once the counter
// reaches the limit a termination signal is delivered to the current
// process, which the supervisor answers by spawning a replacement worker.
type LimitRequestCount struct {
	app   App
	max   int64
	count atomic.Int64

	// terminate delivers the recycling signal. Swapped out in tests.
	terminate func()
}

// NewLimitRequestCount wraps app so that after max completed responses the
// current process receives SIGTERM.
func NewLimitRequestCount(app App, max int) *LimitRequestCount {
	return &LimitRequestCount{
		app: app,
		max: int64(max),
		terminate: func() {
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		},
	}
}

// Call invokes the wrapped application. Use it as the App callable.
func (m *LimitRequestCount) Call(environ *Environ, startResponse StartResponse) (Body, error) {
	body, err := m.app(environ, startResponse)
	if err != nil {
		return nil, err
	}
	return &countingBody{inner: body, owner: m}, nil
}

// completed records one finished response and fires the termination signal
// when the limit is reached.
func (m *LimitRequestCount) completed() {
	if m.count.Add(1) >= m.max {
		m.terminate()
	}
}

// countingBody forwards to the wrapped body and notifies the middleware
// when the body is fully consumed. A body abandoned before its end, like a
// generator closed early, does not count as a completed response.
type countingBody struct {
	inner   Body
	owner   *LimitRequestCount
	counted bool
}

func (b *countingBody) Next() ([]byte, error) {
	chunk, err := b.inner.Next()
	if err == io.EOF && !b.counted {
		b.counted = true
		b.owner.completed()
	}
	return chunk, err
}

func (b *countingBody) Close() error {
	if closer, ok := b.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
