package wmsync

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/pkg/errors"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	removeA := callbacks.Add(func() int { return 1 })
	removeB := callbacks.Add(func() int { return 2 })
	callbacks.Add(func() int { return 3 })
	assert.Equal(t, callbacks.Len(), 3)

	snapshot := callbacks.Get()

	removeB()
	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{1, 3})

	// removing twice is a no-op
	removeB()
	removeA()
	assert.Equal(t, callbacks.Len(), 1)

	// earlier snapshots are not modified
	assert.Equal(t, len(snapshot), 3)
	assert.Equal(t, snapshot[1](), 2)
}

func TestReconnect(t *testing.T) {
	reconnect := NewReconnect(50 * time.Millisecond)
	start := time.Now()
	<-reconnect.After()
	assert.Equal(t, 50*time.Millisecond <= time.Since(start)+time.Millisecond, true)

	// the timeout is measured from creation
	reconnect = NewReconnect(10 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	select {
	case <-reconnect.After():
	case <-time.After(time.Second):
		t.Fatal("reconnect should be immediate")
	}
}

func TestHandleError(t *testing.T) {
	var handled error
	r := HandleError(func() {
		panic("boom")
	}, func(err error) {
		handled = err
	})
	assert.Equal(t, r, "boom")
	assert.NotEqual(t, handled, nil)
	assert.Equal(t, handled.Error(), "boom")

	r = HandleError(func() {})
	assert.Equal(t, r, nil)
}

func TestIsDoneError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, IsDoneError(ctx.Err()), true)
	assert.Equal(t, IsDoneError(errors.Wrap(context.DeadlineExceeded, "load")), true)
	assert.Equal(t, IsDoneError(ErrStoreClosed), true)
	assert.Equal(t, IsDoneError("Done"), true)

	assert.Equal(t, IsDoneError(errors.New("boom")), false)
	assert.Equal(t, IsDoneError(ErrIdentityChanged), false)
	assert.Equal(t, IsDoneError("boom"), false)
	assert.Equal(t, IsDoneError(nil), false)

	// a done panic is still handled
	var handled error
	r := HandleError(func() {
		panic(ctx.Err())
	}, func(err error) {
		handled = err
	})
	assert.Equal(t, r, context.Canceled)
	assert.Equal(t, errors.Is(handled, context.Canceled), true)
}

func TestTraceWithReturnError(t *testing.T) {
	result, err := TraceWithReturnError("ok", func() (int, error) {
		return 1, nil
	})
	assert.Equal(t, result, 1)
	assert.Equal(t, err, nil)

	_, err = TraceWithReturnError("canceled", func() (int, error) {
		return 0, context.Canceled
	})
	assert.Equal(t, err, context.Canceled)
}
