package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityRoundsUp(t *testing.T) {
	assert.Equal(t, 1, New(0).Cap())
	assert.Equal(t, 8, New(5).Cap())
	assert.Equal(t, 64, New(64).Cap())
}

func TestWritePeekDiscard(t *testing.T) {
	b := New(8)
	n, err := b.WriteString("hello")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 3, b.Free())

	assert.Equal(t, []byte("he"), b.Peek(2))
	assert.Equal(t, 2, b.Discard(2))
	assert.Equal(t, []byte("llo"), b.Peek(10))

	_, err = b.WriteString("123456")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, 3, b.Len())
}

func TestWrapAround(t *testing.T) {
	b := New(8)
	_, err := b.WriteString("abcdef")
	require.NoError(t, err)
	b.Discard(4)
	_, err = b.WriteString("ghijk")
	require.NoError(t, err)

	// 数据跨越尾部
	assert.Equal(t, []byte("efghi"), b.Peek(5))
	assert.Equal(t, []byte("efghijk"), b.Peek(b.Len()))
	b.Discard(7)
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Peek(1))
}

func TestDiscardResetsPositions(t *testing.T) {
	b := New(4)
	_, _ = b.WriteString("abc")
	b.Discard(3)
	_, err := b.WriteString("wxyz")
	require.NoError(t, err)
	assert.Equal(t, []byte("wxyz"), b.Peek(4))

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 4, b.Free())
}
