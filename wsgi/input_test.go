package wsgi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedReceive returns a receive callable yielding the given chunks
// followed by the empty end-of-body marker.
func chunkedReceive(chunks ...[]byte) func() ([]byte, error) {
	i := 0
	return func() ([]byte, error) {
		if i >= len(chunks) {
			return nil, nil
		}
		chunk := chunks[i]
		i++
		return chunk, nil
	}
}

func TestInput_Read(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
		size   int
		want   string
	}{
		{
			name:   "read all",
			chunks: [][]byte{[]byte("hello "), []byte("world")},
			size:   -1,
			want:   "hello world",
		},
		{
			name:   "read partial",
			chunks: [][]byte{[]byte("hello world")},
			size:   5,
			want:   "hello",
		},
		{
			name:   "read across chunks",
			chunks: [][]byte{[]byte("he"), []byte("llo"), []byte(" world")},
			size:   8,
			want:   "hello wo",
		},
		{
			name:   "read more than available",
			chunks: [][]byte{[]byte("hi")},
			size:   100,
			want:   "hi",
		},
		{
			name:   "empty body",
			chunks: nil,
			size:   -1,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := NewInput(chunkedReceive(tt.chunks...))
			got, err := in.Read(tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestInput_Read_leavesRemainder(t *testing.T) {
	in := NewInput(chunkedReceive([]byte("hello world")))

	first, err := in.Read(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(first))
	assert.True(t, in.HasMore())

	rest, err := in.Read(-1)
	require.NoError(t, err)
	assert.Equal(t, " world", string(rest))
	assert.False(t, in.HasMore())
}

func TestInput_ReadLine(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
		limit  int
		want   string
	}{
		{
			name:   "line with terminator",
			chunks: [][]byte{[]byte("first\nsecond\n")},
			limit:  -1,
			want:   "first\n",
		},
		{
			name:   "line split across chunks",
			chunks: [][]byte{[]byte("fir"), []byte("st\nrest")},
			limit:  -1,
			want:   "first\n",
		},
		{
			name:   "no terminator returns remainder",
			chunks: [][]byte{[]byte("no newline")},
			limit:  -1,
			want:   "no newline",
		},
		{
			name:   "limit cuts before newline",
			chunks: [][]byte{[]byte("abcdef\n")},
			limit:  3,
			want:   "abc",
		},
		{
			name:   "newline within limit wins",
			chunks: [][]byte{[]byte("ab\ncdef")},
			limit:  5,
			want:   "ab\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := NewInput(chunkedReceive(tt.chunks...))
			got, err := in.ReadLine(tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestInput_ReadLines(t *testing.T) {
	t.Run("splits full body keeping terminators", func(t *testing.T) {
		in := NewInput(chunkedReceive([]byte("a\nbb\nccc\n")))
		lines, err := in.ReadLines(-1)
		require.NoError(t, err)
		require.Len(t, lines, 3)
		assert.Equal(t, "a\n", string(lines[0]))
		assert.Equal(t, "bb\n", string(lines[1]))
		assert.Equal(t, "ccc\n", string(lines[2]))
	})

	t.Run("body without trailing newline", func(t *testing.T) {
		in := NewInput(chunkedReceive([]byte("a\nbb")))
		lines, err := in.ReadLines(-1)
		require.NoError(t, err)
		require.Len(t, lines, 2)
		assert.Equal(t, "a\n", string(lines[0]))
		assert.Equal(t, "bb\n", string(lines[1]))
	})

	t.Run("hint reads exactly that many lines", func(t *testing.T) {
		in := NewInput(chunkedReceive([]byte("a\nb\nc\n")))
		lines, err := in.ReadLines(2)
		require.NoError(t, err)
		require.Len(t, lines, 2)
		assert.Equal(t, "a\n", string(lines[0]))
		assert.Equal(t, "b\n", string(lines[1]))
		assert.True(t, in.HasMore())
	})

	t.Run("exhausted body yields nothing", func(t *testing.T) {
		in := NewInput(chunkedReceive())
		_, err := in.Read(-1)
		require.NoError(t, err)
		lines, err := in.ReadLines(-1)
		require.NoError(t, err)
		assert.Empty(t, lines)
	})
}

func TestInput_Lines(t *testing.T) {
	in := NewInput(chunkedReceive([]byte("one\n"), []byte("two\nthree")))

	var got []string
	for line := range in.Lines() {
		got = append(got, string(line))
	}

	require.NoError(t, in.Err())
	assert.Equal(t, []string{"one\n", "two\n", "three"}, got)
	assert.False(t, in.HasMore())
}

func TestInput_HasMore(t *testing.T) {
	in := NewInput(chunkedReceive([]byte("data")))
	assert.True(t, in.HasMore())

	_, err := in.Read(-1)
	require.NoError(t, err)
	assert.False(t, in.HasMore())
}
