package wmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// errors that end work because its context or the store ended
// these are expected on shutdown and on request cancel
func IsDoneError(r any) bool {
	switch v := r.(type) {
	case error:
		return errors.Is(v, context.Canceled) ||
			errors.Is(v, context.DeadlineExceeded) ||
			errors.Is(v, ErrStoreClosed)
	case string:
		return v == "Done"
	default:
		return false
	}
}

// runs `do` and recovers a panic, calling the handlers with the recovered value
// a handler is either `func()` or `func(error)`
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			if IsDoneError(r) {
				glog.V(1).Infof("Done: %s\n", r)
			} else {
				glog.Errorf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// logs the start and end of a request with its duration
func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	trace(tag, func() string {
		result, returnErr = do()
		switch {
		case returnErr == nil:
			return ""
		case IsDoneError(returnErr):
			return " done"
		default:
			return fmt.Sprintf(" err = %s", returnErr)
		}
	})
	return
}

func trace(tag string, do func() string) {
	start := time.Now()
	glog.Infof("[%-8s]%s (%d)\n", "start", tag, start.UnixMilli())
	doTag := do()
	millis := float64(time.Since(start)) / float64(time.Millisecond)
	glog.Infof("[%-8s]%s (%.2fms)%s\n", "end", tag, millis, doTag)
}
