package vclock

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestClockTickIsCopyOnWrite(t *testing.T) {
	c := Clock{}
	next := c.Tick("a").Tick("a")

	assert.Equal(t, uint64(0), c.Get("a"))
	assert.Equal(t, uint64(2), next.Get("a"))
}

func TestPrecedesOrEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Clock
		want bool
	}{
		{"empty precedes all", Clock{}, Clock{"a": 1}, true},
		{"equal", Clock{"a": 1, "b": 2}, Clock{"a": 1, "b": 2}, true},
		{"behind", Clock{"a": 1}, Clock{"a": 2, "b": 1}, true},
		{"ahead on one", Clock{"a": 3}, Clock{"a": 2, "b": 5}, false},
		{"concurrent", Clock{"a": 1, "b": 0}, Clock{"b": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.PrecedesOrEqual(tt.b))
			assert.Equal(t, tt.want, tt.a.Compress().PrecedesOrEqual(tt.b))
		})
	}
}

func TestMerge(t *testing.T) {
	merged := Clock{"a": 3, "b": 1}.Merge(Clock{"b": 4, "c": 2})
	assert.Equal(t, Clock{"a": 3, "b": 4, "c": 2}, merged)
}

func TestCompressSortsAndDropsZeros(t *testing.T) {
	c := Clock{"z": 1, "a": 2, "m": 0}.Compress()
	assert.Equal(t, []Entry{{Kernel: "a", Counter: 2}, {Kernel: "z", Counter: 1}}, c.Entries())
	assert.Equal(t, uint64(2), c.Get("a"))
	assert.Equal(t, uint64(0), c.Get("m"))
	assert.Equal(t, "{a:2, z:1}", c.String())
	assert.Equal(t, Clock{"a": 2, "z": 1}, c.Decompress())
}

func TestCompressedCodecs(t *testing.T) {
	c := Clock{"k1": 7, "k2": 9}.Compress()

	data, err := msgpack.Marshal(c)
	require.NoError(t, err)
	var fromMsgpack Compressed
	require.NoError(t, msgpack.Unmarshal(data, &fromMsgpack))
	assert.True(t, c.Equal(fromMsgpack))

	js, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"kernel":"k1","counter":7},{"kernel":"k2","counter":9}]`, string(js))
	var fromJSON Compressed
	require.NoError(t, json.Unmarshal(js, &fromJSON))
	assert.True(t, c.Equal(fromJSON))
}
