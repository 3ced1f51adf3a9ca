package wmsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// the push channel is one websocket to the workflow manager push service
// outbound commands are text frames, `S`, `D` and `ping`
// inbound frames are `pong` or a json delta envelope

type PushTransportState int

const (
	PushTransportStateConnecting PushTransportState = iota
	PushTransportStateOpen
	PushTransportStateAwaitingPong
	PushTransportStateClosed
)

func (self PushTransportState) String() string {
	switch self {
	case PushTransportStateConnecting:
		return "CONNECTING"
	case PushTransportStateOpen:
		return "OPEN"
	case PushTransportStateAwaitingPong:
		return "AWAITING_PONG"
	case PushTransportStateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(self))
	}
}

// `reconnect` is set when the state is open on any connection after the first
type PushTransportStateFunction = func(state PushTransportState, reconnect bool)

type PushReceiveFunction = func(message []byte)

type PushTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	// time between a pong and the next ping
	PingInterval time.Duration
	// time to wait for a pong before the connection is dropped
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	Header       http.Header
}

func DefaultPushTransportSettings() *PushTransportSettings {
	return &PushTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingInterval:       10 * time.Second,
		// the push service delays pongs by up to 10s
		PongTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

type PushTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	pushUrl  string
	settings *PushTransportSettings

	stateLock sync.Mutex
	state     PushTransportState
	// commands not yet written, in send order
	buffer []string
	// signals the writer that the buffer has new commands
	sendNotify chan struct{}

	receiveCallbacks *CallbackList[PushReceiveFunction]
	stateCallbacks   *CallbackList[PushTransportStateFunction]
}

func NewPushTransportWithDefaults(ctx context.Context, pushUrl string) *PushTransport {
	return NewPushTransport(ctx, pushUrl, DefaultPushTransportSettings())
}

func NewPushTransport(
	ctx context.Context,
	pushUrl string,
	settings *PushTransportSettings,
) *PushTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &PushTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		pushUrl:          pushUrl,
		settings:         settings,
		state:            PushTransportStateConnecting,
		buffer:           []string{},
		sendNotify:       make(chan struct{}, 1),
		receiveCallbacks: NewCallbackList[PushReceiveFunction](),
		stateCallbacks:   NewCallbackList[PushTransportStateFunction](),
	}
	go transport.run()
	return transport
}

func (self *PushTransport) AddReceiveCallback(callback PushReceiveFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

func (self *PushTransport) AddStateCallback(callback PushTransportStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *PushTransport) State() PushTransportState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// queues the command and returns immediately
// commands are written in order once a connection is available
func (self *PushTransport) Send(message string) bool {
	self.stateLock.Lock()
	if self.state == PushTransportStateClosed {
		self.stateLock.Unlock()
		glog.V(1).Infof("[pt]drop closed ->%s\n", message)
		return false
	}
	self.buffer = append(self.buffer, message)
	self.stateLock.Unlock()

	select {
	case self.sendNotify <- struct{}{}:
	default:
	}
	return true
}

func (self *PushTransport) BufferLen() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.buffer)
}

func (self *PushTransport) setState(state PushTransportState, reconnect bool) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state == state || self.state == PushTransportStateClosed {
			return false
		}
		self.state = state
		return true
	}()
	if !changed {
		return
	}
	glog.V(2).Infof("[pt]state %s reconnect=%t\n", state, reconnect)
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(state, reconnect)
		})
	}
}

func (self *PushTransport) takeBuffer() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	buffer := self.buffer
	self.buffer = []string{}
	return buffer
}

// puts unwritten commands back at the front
func (self *PushTransport) requeue(messages []string) {
	if len(messages) == 0 {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	buffer := make([]string, 0, len(messages)+len(self.buffer))
	buffer = append(buffer, messages...)
	buffer = append(buffer, self.buffer...)
	self.buffer = buffer
}

func (self *PushTransport) run() {
	defer func() {
		self.cancel()
		self.setState(PushTransportStateClosed, false)
	}()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	connectCount := 0
	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		self.setState(PushTransportStateConnecting, false)

		connect := func() (*websocket.Conn, error) {
			ws, _, err := dialer.DialContext(self.ctx, self.pushUrl, self.settings.Header)
			return ws, err
		}
		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[pt]connect %s", self.pushUrl), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			if IsDoneError(err) {
				glog.V(1).Infof("[pt]connect done %s\n", self.pushUrl)
			} else {
				glog.Infof("[pt]connect error %s = %s\n", self.pushUrl, err)
			}
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		connectCount += 1
		self.handle(ws, 1 < connectCount)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// runs one connection until it fails, the pong times out, or the transport closes
func (self *PushTransport) handle(ws *websocket.Conn, reconnect bool) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	pong := make(chan struct{}, 1)

	go func() {
		defer handleCancel()

		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				select {
				case <-handleCtx.Done():
				default:
					glog.Infof("[pt]<- error = %s\n", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				glog.V(2).Infof("[pt]<- other=%d\n", messageType)
				continue
			}
			if string(message) == PongMessage {
				glog.V(2).Infof("[pt]<- pong\n")
				select {
				case pong <- struct{}{}:
				default:
				}
				continue
			}
			glog.V(2).Infof("[pt]<- %d bytes\n", len(message))
			for _, callback := range self.receiveCallbacks.Get() {
				HandleError(func() {
					callback(message)
				})
			}
		}
	}()

	write := func(message string) error {
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		return ws.WriteMessage(websocket.TextMessage, []byte(message))
	}

	flush := func() bool {
		messages := self.takeBuffer()
		for i, message := range messages {
			if err := write(message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[pt]-> error = %s\n", err)
				self.requeue(messages[i:])
				return false
			}
			glog.V(2).Infof("[pt]-> %s\n", message)
		}
		return true
	}

	ping := func() bool {
		if err := write(PingMessage); err != nil {
			glog.Infof("[pt]-> ping error = %s\n", err)
			return false
		}
		glog.V(2).Infof("[pt]-> ping\n")
		self.setState(PushTransportStateAwaitingPong, false)
		return true
	}

	self.setState(PushTransportStateOpen, reconnect)
	if !flush() {
		return
	}
	if !ping() {
		return
	}

	var pingAfter <-chan time.Time
	pongDeadline := time.After(self.settings.PongTimeout)
	for {
		select {
		case <-handleCtx.Done():
			return
		case <-self.sendNotify:
			if !flush() {
				return
			}
		case <-pong:
			if pongDeadline == nil {
				// unsolicited
				continue
			}
			pongDeadline = nil
			self.setState(PushTransportStateOpen, false)
			pingAfter = time.After(self.settings.PingInterval)
		case <-pingAfter:
			pingAfter = nil
			if !ping() {
				return
			}
			pongDeadline = time.After(self.settings.PongTimeout)
		case <-pongDeadline:
			glog.Infof("[pt]pong timeout after %s, reconnecting\n", self.settings.PongTimeout)
			return
		}
	}
}

func (self *PushTransport) Close() {
	self.cancel()
}
