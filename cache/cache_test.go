package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_ApplyIsAppendBiased(t *testing.T) {
	c := New()
	c.Apply(backend.QuotaMap{"soc": int64(10), "watts": int64(5)})
	c.Apply(backend.QuotaMap{"soc": int64(20)})

	snap := c.GetSnapshot()
	assert.Equal(t, int64(20), snap["soc"])
	assert.Equal(t, int64(5), snap["watts"])
}

func TestCache_SnapshotIsIsolated(t *testing.T) {
	c := New()
	c.Apply(backend.QuotaMap{"soc": int64(10)})

	snap := c.GetSnapshot()
	snap["soc"] = int64(999)

	snap2 := c.GetSnapshot()
	assert.Equal(t, int64(10), snap2["soc"])
}

func TestCache_Stale(t *testing.T) {
	c := New()
	assert.True(t, c.Stale(time.Second), "never-updated cache is stale")

	c.Apply(backend.QuotaMap{"soc": int64(1)})
	assert.False(t, c.Stale(time.Hour))
	assert.True(t, c.Stale(0))
}

func TestCache_PushStaleTrackedSeparately(t *testing.T) {
	c := New()
	c.Apply(backend.QuotaMap{"soc": int64(1)}) // not a push update
	assert.True(t, c.PushStale(time.Hour))

	c.ApplyPush(backend.QuotaMap{"soc": int64(2)})
	assert.False(t, c.PushStale(time.Hour))
}

func TestCache_ConcurrentWritersProduceUnionOfKeys(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "k" + string(rune('a'+i%26))
			c.Apply(backend.QuotaMap{key: int64(i)})
		}(i)
	}
	wg.Wait()

	snap := c.GetSnapshot()
	require.NotEmpty(t, snap)
	assert.Len(t, snap, 26, "keys ka..kz from 50 writers")
	for k := range snap {
		assert.True(t, len(k) > 0)
	}
}

func TestCache_TouchUpdateDoesNotAffectPushStale(t *testing.T) {
	c := New()
	c.ApplyPush(backend.QuotaMap{"soc": int64(1)})
	assert.False(t, c.Stale(time.Hour))
	assert.False(t, c.PushStale(time.Hour))

	c.TouchUpdate()
	assert.False(t, c.Stale(time.Hour))
	assert.False(t, c.PushStale(time.Hour), "TouchUpdate must not reset push-specific staleness")
}

func TestCache_ConnectedFlag(t *testing.T) {
	c := New()
	assert.False(t, c.Connected())
	c.SetConnected(true)
	assert.True(t, c.Connected())
	c.SetConnected(false)
	assert.False(t, c.Connected())
}
