package eventpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/eventbuilder/internal/event"
	"github.com/mrzor/eventbuilder/internal/fragment"
)

var expect = event.Expectation{Primary: 2, Auxiliary: 1}

func TestIndexAndShard(t *testing.T) {
	tests := []struct {
		seq    uint32
		shards int
		index  int
		shard  int
	}{
		{0, 1, 0, 0},
		{7, 1, 7, 0},
		{7, 4, 1, 3},
		{8, 4, 2, 0},
		{1_000_003, 8, 125_000, 3},
	}

	for _, tt := range tests {
		if got := Index(tt.seq, tt.shards); got != tt.index {
			t.Errorf("Index(%d, %d) = %d, want %d", tt.seq, tt.shards, got, tt.index)
		}
		if got := Shard(tt.seq, tt.shards); got != tt.shard {
			t.Errorf("Shard(%d, %d) = %d, want %d", tt.seq, tt.shards, got, tt.shard)
		}
	}
}

func TestShardsAreDisjoint(t *testing.T) {
	const shards = 4
	seen := make(map[[2]int]uint32)
	for seq := uint32(0); seq < 4096; seq++ {
		key := [2]int{Shard(seq, shards), Index(seq, shards)}
		if prev, ok := seen[key]; ok {
			t.Fatalf("sequences %d and %d share shard %d index %d", prev, seq, key[0], key[1])
		}
		seen[key] = seq
	}
}

func TestNew_InvalidArguments(t *testing.T) {
	_, err := New(0, 0, expect)
	assert.Error(t, err)

	_, err = New(1, -1, expect)
	assert.Error(t, err)
}

func TestGetOrCreate(t *testing.T) {
	p, err := New(2, 0, expect)
	require.NoError(t, err)

	ev, created, err := p.GetOrCreate(10)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint32(10), ev.Sequence())
	assert.Equal(t, expect, ev.Expectation())

	again, created, err := p.GetOrCreate(10)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, ev, again)
	assert.Equal(t, 1, p.Len())
	assert.Same(t, ev, p.Get(10))
}

func TestGet_Empty(t *testing.T) {
	p, err := New(1, 0, expect)
	require.NoError(t, err)

	assert.Nil(t, p.Get(3))
	assert.Nil(t, p.Get(1<<20), "out of range")
}

func TestGrowthByDoubling(t *testing.T) {
	p, err := New(1, 0, expect)
	require.NoError(t, err)
	require.Equal(t, initialSlots, p.Cap())

	first, _, err := p.GetOrCreate(1)
	require.NoError(t, err)

	_, _, err = p.GetOrCreate(initialSlots)
	require.NoError(t, err)
	assert.Equal(t, 2*initialSlots, p.Cap())

	_, _, err = p.GetOrCreate(5*initialSlots + 1)
	require.NoError(t, err)
	assert.Equal(t, 8*initialSlots, p.Cap())

	assert.Same(t, first, p.Get(1), "growth keeps existing events")
	assert.Equal(t, 3, p.Len())
}

func TestExhausted(t *testing.T) {
	p, err := New(1, 100, expect)
	require.NoError(t, err)

	_, _, err = p.GetOrCreate(99)
	require.NoError(t, err)
	assert.Equal(t, 100, p.Cap())

	_, _, err = p.GetOrCreate(100)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReleaseReusesSlot(t *testing.T) {
	p, err := New(4, 0, expect)
	require.NoError(t, err)

	ev, _, err := p.GetOrCreate(7)
	require.NoError(t, err)
	frag := fragment.New(fragment.Primary, fragment.Source{ID: 4}, 7, true, 1, []byte{1, 2, 3})
	_, err = ev.AddPrimary(frag, 3)
	require.NoError(t, err)

	p.Release(7)
	assert.Nil(t, p.Get(7))
	assert.Zero(t, p.Len())

	// Sequence numbers restart every burst, so the next burst's event 7
	// lands in the same slot.
	reused, created, err := p.GetOrCreate(7)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Same(t, ev, reused, "slot storage is reused")
	assert.Equal(t, uint32(7), reused.Sequence())
	assert.Zero(t, reused.BurstID())
	assert.Equal(t, event.Collecting, reused.State())
	assert.Empty(t, reused.PrimaryFragments())
	assert.False(t, reused.LastEventOfBurst())
}

func TestRelease_EmptyIsNoop(t *testing.T) {
	p, err := New(1, 0, expect)
	require.NoError(t, err)

	p.Release(5)
	p.Release(1 << 20)
	assert.Zero(t, p.Len())
}
