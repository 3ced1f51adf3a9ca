package wmsync

import (
	"github.com/jellydator/ttlcache/v3"
)

// event ids of mutations this client made, oldest dropped first
// pushed deltas for a seen event are echoes of our own writes
type SeenEvents struct {
	events *ttlcache.Cache[Id, struct{}]
}

// `maxSize` 0 means unbounded
func NewSeenEvents(maxSize int) *SeenEvents {
	return &SeenEvents{
		// no ttl, so the expiration loop (`Start`) is not needed
		events: ttlcache.New[Id, struct{}](
			ttlcache.WithCapacity[Id, struct{}](uint64(max(0, maxSize))),
		),
	}
}

func (self *SeenEvents) Add(eventId Id) {
	if eventId.IsZero() {
		return
	}
	// a repeat keeps its original position in the eviction order
	if self.events.Has(eventId) {
		return
	}
	self.events.Set(eventId, struct{}{}, ttlcache.NoTTL)
}

func (self *SeenEvents) Contains(eventId Id) bool {
	return self.events.Has(eventId)
}

func (self *SeenEvents) Len() int {
	return self.events.Len()
}

func (self *SeenEvents) Clear() {
	self.events.DeleteAll()
}
