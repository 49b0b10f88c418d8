package wsgi

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okApp(body ...[]byte) App {
	return func(environ *Environ, startResponse StartResponse) (Body, error) {
		_, err := startResponse("200 OK", []Header{{"Content-Type", "text/plain"}}, nil)
		if err != nil {
			return nil, err
		}
		return NewBody(body...), nil
	}
}

func noopStartResponse(status string, headers []Header, excInfo error) (WriteFunc, error) {
	return func([]byte) error { return nil }, nil
}

// drain consumes a body to the end.
func drain(t *testing.T, body Body) {
	t.Helper()
	for {
		_, err := body.Next()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
	}
}

func TestLimitRequestCount_terminatesAtLimit(t *testing.T) {
	terminated := 0
	m := NewLimitRequestCount(okApp([]byte("hi")), 3)
	m.terminate = func() { terminated++ }

	for i := 0; i < 2; i++ {
		body, err := m.Call(&Environ{}, noopStartResponse)
		require.NoError(t, err)
		drain(t, body)
		assert.Zero(t, terminated, "must not terminate before the limit")
	}

	body, err := m.Call(&Environ{}, noopStartResponse)
	require.NoError(t, err)
	drain(t, body)
	assert.Equal(t, 1, terminated)
}

func TestLimitRequestCount_abandonedBodyDoesNotCount(t *testing.T) {
	terminated := 0
	m := NewLimitRequestCount(okApp([]byte("a"), []byte("b")), 1)
	m.terminate = func() { terminated++ }

	body, err := m.Call(&Environ{}, noopStartResponse)
	require.NoError(t, err)

	// Read one chunk, then abandon the body.
	_, err = body.Next()
	require.NoError(t, err)
	require.NoError(t, body.(io.Closer).Close())

	assert.Zero(t, terminated)
}

func TestLimitRequestCount_propagatesAppError(t *testing.T) {
	appErr := assert.AnError
	m := NewLimitRequestCount(func(*Environ, StartResponse) (Body, error) {
		return nil, appErr
	}, 1)
	m.terminate = func() { t.Fatal("must not terminate on app error") }

	_, err := m.Call(&Environ{}, noopStartResponse)
	assert.ErrorIs(t, err, appErr)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		status  string
		want    int
		wantErr bool
	}{
		{status: "200 OK", want: 200},
		{status: "404 Not Found", want: 404},
		{status: "500 Internal Server Error", want: 500},
		{status: "201", want: 201},
		{status: "abc def", wantErr: true},
		{status: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			code, err := ParseStatus(tt.status)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
		})
	}
}
