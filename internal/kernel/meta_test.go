package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeta_TypedKeys(t *testing.T) {
	m := NewMeta()
	a := NewMetaKey[int]("n")
	b := NewMetaKey[int]("n")

	PutMeta(m, a, 1)
	_, ok := GetMeta(m, b)
	assert.False(t, ok, "keys compare by identity")

	got := UpdateMeta(m, a, func(old int, ok bool) int {
		assert.True(t, ok)
		return old + 41
	})
	assert.Equal(t, 42, got)

	DeleteMeta(m, a)
	_, ok = GetMeta(m, a)
	assert.False(t, ok)
}
