package wmsync

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
// so that `Get` can be iterated outside the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    uint64
	ids       []uint64
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// returns the function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextId += 1
	id := self.nextId

	nextIds := slices.Clone(self.ids)
	nextIds = append(nextIds, id)
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callback)
	self.ids = nextIds
	self.callbacks = nextCallbacks

	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.ids, id)
	if i < 0 {
		// not present
		return
	}
	nextIds := slices.Clone(self.ids)
	nextIds = slices.Delete(nextIds, i, i+1)
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.ids = nextIds
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// paces connection attempts to at most one per `timeout`
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.timeout - time.Since(self.start)
	if timeout <= 0 {
		timeout = 0
	}
	return time.After(timeout)
}
