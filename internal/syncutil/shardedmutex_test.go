package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedMutexSerializesSameKey(t *testing.T) {
	var sm ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := sm.Lock("merchant-1|USDT_BEP20")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestShardedMutexDifferentKeysDoNotDeadlock(t *testing.T) {
	var sm ShardedMutex
	u1 := sm.Lock("a")
	defer u1()
	// A different key may share a shard, but a plain sequential
	// lock/unlock on another key must not panic.
	u2 := sm.Lock("completely-different-key")
	u2()
}
