// lockmap hands out exclusive ownership of inodes.
//
// The API is as if LockMap held a lock for every inode number;
// LockMap.Acquire(ino) waits until nobody else owns ino and takes it, and
// LockMap.Release(ino) gives it back.
//
// The implementation only tracks owned inodes. They are spread over a fixed
// number of shards by inode table slot, so that shard i tracks every ino
// with slot % NSHARD = i; owning an inode requires synchronizing only with
// other threads in the same shard.
package lockmap

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-pramfs/common"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[common.Inum]*lockState
}

func mkLockShard() *lockShard {
	return &lockShard{
		mu:    new(sync.Mutex),
		state: make(map[common.Inum]*lockState),
	}
}

// get returns the state of ino, creating it if nobody owns or waits for ino.
// Caller holds shard.mu.
func (shard *lockShard) get(ino common.Inum) *lockState {
	state, ok := shard.state[ino]
	if !ok {
		state = &lockState{cond: sync.NewCond(shard.mu)}
		shard.state[ino] = state
	}
	return state
}

func (shard *lockShard) acquire(ino common.Inum) {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	for {
		state := shard.get(ino)
		if !state.held {
			state.held = true
			return
		}
		state.waiters++
		state.cond.Wait()
		state.waiters--
	}
}

func (shard *lockShard) tryAcquire(ino common.Inum) bool {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state := shard.get(ino)
	if state.held {
		return false
	}
	state.held = true
	return true
}

func (shard *lockShard) release(ino common.Inum) {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state, ok := shard.state[ino]
	if !ok || !state.held {
		panic(fmt.Errorf("lockmap: release of unowned inode %#x", ino))
	}
	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(shard.state, ino)
	}
}

func (shard *lockShard) isHeld(ino common.Inum) bool {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state, ok := shard.state[ino]
	return ok && state.held
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) shard(ino common.Inum) *lockShard {
	return lmap.shards[(ino>>common.INODEBITS)%NSHARD]
}

// Acquire takes ownership of ino, waiting for the current owner if any.
func (lmap *LockMap) Acquire(ino common.Inum) {
	lmap.shard(ino).acquire(ino)
}

// TryAcquire takes ownership of ino if nobody owns it.
func (lmap *LockMap) TryAcquire(ino common.Inum) bool {
	return lmap.shard(ino).tryAcquire(ino)
}

func (lmap *LockMap) Release(ino common.Inum) {
	lmap.shard(ino).release(ino)
}

// Held reports whether someone owns ino.
func (lmap *LockMap) Held(ino common.Inum) bool {
	return lmap.shard(ino).isHeld(ino)
}
