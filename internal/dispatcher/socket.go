package dispatcher

// Kind classifies a message received from or sent to a Socket.
type Kind uint8

const (
	KindData  Kind = iota // payload bytes
	KindEOF               // peer went away without a close handshake
	KindPing              // transport-native keepalive probe
	KindPong              // answer to a probe
	KindClose             // peer performed an orderly close
	KindOther             // anything else the transport delivers (text frames, ...)
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindEOF:
		return "eof"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindClose:
		return "close"
	default:
		return "other"
	}
}

// Message is one unit read from or written to a Socket. For stream sockets a
// data message is whatever a single read returned.
type Message struct {
	Kind Kind
	Data []byte
}

// terminal reports whether no further reads should be attempted after m.
func (m Message) terminal() bool {
	return m.Kind == KindEOF || m.Kind == KindClose
}

// Socket is anything the dispatcher can poll: a local TCP connection or the
// transport carrying the multiplexed frames.
//
// Receive blocks until one message is available and may reuse buf for the
// returned data. Send and CloseWrite are only ever called from the socket's
// writer goroutine. Close may be called from any goroutine and must unblock
// a pending Receive or Send.
type Socket interface {
	Receive(buf []byte) (Message, error)
	Send(msg Message) error
	CloseWrite() error
	Close() error
}

// Connector is implemented by sockets that are created unconnected. Connect
// blocks until the connection is established or fails; the dispatcher calls
// it once per registration with write interest and turns the outcome into a
// writable or error event.
type Connector interface {
	Connect() error
}

// ControlNotifier is implemented by transports that handle control messages
// (pongs) outside of Receive. The dispatcher installs a hook that posts them
// to the loop as readable events.
type ControlNotifier interface {
	SetControlHandler(fn func(Message))
}

// NoDelayer is implemented by sockets that can disable write coalescing.
type NoDelayer interface {
	SetNoDelay(noDelay bool) error
}

// Interest is the set of readiness events a registration asks for.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite

	InterestNone Interest = 0
)

// Handler receives the events of a registered socket. All methods run on the
// dispatcher's loop goroutine, never concurrently with each other.
//
// The Data of a message passed to OnReadable is only valid until the method
// returns.
type Handler interface {
	OnReadable(d *Dispatcher, s Socket, msg Message)
	OnWritable(d *Dispatcher, s Socket)
	OnError(d *Dispatcher, s Socket, err error)
	OnTimeout(d *Dispatcher, s Socket)
}

// HandlerFuncs adapts a set of functions to Handler. Nil fields ignore the
// corresponding event.
type HandlerFuncs struct {
	Readable func(d *Dispatcher, s Socket, msg Message)
	Writable func(d *Dispatcher, s Socket)
	Error    func(d *Dispatcher, s Socket, err error)
	Timeout  func(d *Dispatcher, s Socket)
}

func (h HandlerFuncs) OnReadable(d *Dispatcher, s Socket, msg Message) {
	if h.Readable != nil {
		h.Readable(d, s, msg)
	}
}

func (h HandlerFuncs) OnWritable(d *Dispatcher, s Socket) {
	if h.Writable != nil {
		h.Writable(d, s)
	}
}

func (h HandlerFuncs) OnError(d *Dispatcher, s Socket, err error) {
	if h.Error != nil {
		h.Error(d, s, err)
	}
}

func (h HandlerFuncs) OnTimeout(d *Dispatcher, s Socket) {
	if h.Timeout != nil {
		h.Timeout(d, s)
	}
}
