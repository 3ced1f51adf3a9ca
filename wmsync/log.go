package wmsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `wmsync` package:
// Info:
//     abnormal behavior only. Silent on normal operation except one time initialization.
//     this includes:
//     - pong timeouts, reconnects, dropped push frames
//     - failed requests
// Error:
//     unrecoverable crash details, including panics recovered in callbacks
// Debug (glog.V):
//     V(1) key events with ids that can be used to filter (subscribe, merge, identity)
//     V(2) per frame traces (send, receive, ping)

const LogLevelUrgent = 0
const LogLevelInfo = 1
const LogLevelDebug = 2

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
