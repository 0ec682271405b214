package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpawnIndex(t *testing.T) {
	fn := &FunctionPrototype{
		Locals: []Local{
			{Name: "a", StartPC: 0, EndPC: 5},
			{Name: "b", StartPC: 2, EndPC: 5},
			{Name: "c", StartPC: 2, EndPC: 3},
		},
	}
	idx := NewSpawnIndex(fn)

	assert.Equal(t, []int{0}, idx.SpawnedAt(0))
	assert.Nil(t, idx.SpawnedAt(1))
	assert.Equal(t, []int{1, 2}, idx.SpawnedAt(2))

	assert.Equal(t, []int{2}, idx.KilledAt(3))
	assert.Equal(t, []int{0, 1}, idx.KilledAt(5))
	assert.Nil(t, idx.KilledAt(4))
}
