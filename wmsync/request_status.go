package wmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

type RequestStatus int

const (
	RequestStatusLoading RequestStatus = iota + 1
	RequestStatusOk
	RequestStatusError
)

func (self RequestStatus) String() string {
	switch self {
	case RequestStatusLoading:
		return "LOADING"
	case RequestStatusOk:
		return "OK"
	case RequestStatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(self))
	}
}

type RequestState struct {
	Status     RequestStatus
	Err        error
	UpdateTime time.Time
}

type RequestStatusFunction = func(key string, state RequestState)

// the canonical signature of a request
// args are encoded with object keys sorted at every depth. Arrays keep their order.
func RequestKey(name string, args any) (string, error) {
	argsBytes, err := json.Marshal(args)
	if err != nil {
		return "", errors.Wrapf(err, "request key %s", name)
	}
	decoder := json.NewDecoder(bytes.NewReader(argsBytes))
	// keep integers exact
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return "", errors.Wrapf(err, "request key %s", name)
	}
	// maps encode with sorted keys
	canonicalBytes, err := json.Marshal(generic)
	if err != nil {
		return "", errors.Wrapf(err, "request key %s", name)
	}
	return fmt.Sprintf("%s %s", name, canonicalBytes), nil
}

func RequireRequestKey(name string, args any) string {
	key, err := RequestKey(name, args)
	if err != nil {
		panic(err)
	}
	return key
}

type RequestTrackerSettings struct {
	// the least recently used key is forgotten past this size. 0 means unbounded
	MaxKeys int
}

func DefaultRequestTrackerSettings() *RequestTrackerSettings {
	return &RequestTrackerSettings{
		MaxKeys: 1024,
	}
}

// the latest state per request key
type RequestTracker struct {
	settings *RequestTrackerSettings

	states *ttlcache.Cache[string, RequestState]

	statusCallbacks *CallbackList[RequestStatusFunction]
}

func NewRequestTrackerWithDefaults() *RequestTracker {
	return NewRequestTracker(DefaultRequestTrackerSettings())
}

func NewRequestTracker(settings *RequestTrackerSettings) *RequestTracker {
	states := ttlcache.New[string, RequestState](
		ttlcache.WithCapacity[string, RequestState](uint64(max(0, settings.MaxKeys))),
	)
	states.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, RequestState]) {
		if reason == ttlcache.EvictionReasonCapacityReached {
			glog.V(2).Infof("[rs]%s forgotten\n", item.Key())
		}
	})
	return &RequestTracker{
		settings:        settings,
		states:          states,
		statusCallbacks: NewCallbackList[RequestStatusFunction](),
	}
}

func (self *RequestTracker) AddStatusCallback(callback RequestStatusFunction) func() {
	return self.statusCallbacks.Add(callback)
}

func (self *RequestTracker) Begin(key string) {
	self.set(key, RequestState{Status: RequestStatusLoading})
}

func (self *RequestTracker) Succeed(key string) {
	self.set(key, RequestState{Status: RequestStatusOk})
}

func (self *RequestTracker) Fail(key string, err error) {
	if IsDoneError(err) {
		glog.V(1).Infof("[rs]%s done = %s\n", key, err)
	} else {
		glog.Infof("[rs]%s failed = %s\n", key, err)
	}
	self.set(key, RequestState{Status: RequestStatusError, Err: err})
}

func (self *RequestTracker) set(key string, state RequestState) {
	state.UpdateTime = time.Now()
	self.states.Set(key, state, ttlcache.NoTTL)
	glog.V(2).Infof("[rs]%s %s\n", key, state.Status)
	for _, callback := range self.statusCallbacks.Get() {
		HandleError(func() {
			callback(key, state)
		})
	}
}

// a lookup counts as a use for eviction
func (self *RequestTracker) Status(key string) (RequestState, bool) {
	item := self.states.Get(key)
	if item == nil {
		return RequestState{}, false
	}
	return item.Value(), true
}

func (self *RequestTracker) Forget(key string) {
	self.states.Delete(key)
}

func (self *RequestTracker) Len() int {
	return self.states.Len()
}
