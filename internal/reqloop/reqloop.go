// Package reqloop is the Request loop (spec.md §4.8, §5): a
// single-threaded control loop that couples the control socket, the
// periodic service tick, and the event-notifier fan-out. Go has no
// bundled ZeroMQ REQ/REP binding and none of the example repos vendor
// one, so the control protocol is framed directly over net.Listener
// (SPEC_FULL.md §4): length-prefixed UTF-8 JSON. Multiple accepted
// connections each run a read/decode goroutine that posts
// (request, replyCh) onto one shared channel; the single control
// goroutine drains that channel with a 10ms timeout, otherwise ticks
// the service manager, then sleeps 50ms — so I/O fans in on goroutines
// but all workflow/task state mutation still happens on one goroutine.
package reqloop

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/yerba/yerbad/internal/logging"
)

const (
	pollTimeout  = 10 * time.Millisecond
	loopSleep    = 50 * time.Millisecond
	writeTimeout = 2 * time.Second
	maxFrameSize = 64 << 20
)

// Request is the decoded control-protocol envelope (spec.md §6).
type Request struct {
	Name string                 `json:"request"`
	Data map[string]interface{} `json:"data"`
}

// Handler answers one request by name, returning the reply object
// (spec.md §6: always includes "status"; may include id/errors/jobs/
// workflows).
type Handler func(data map[string]interface{}) map[string]interface{}

// Ticker is ticked once per idle poll, and stopped on shutdown —
// servicemgr.Manager satisfies this.
type Ticker interface {
	Update()
	Stop()
}

type inFlight struct {
	req   Request
	reply chan map[string]interface{}
}

// Loop owns the listener, the handler registry, and the single control
// goroutine's running flag.
type Loop struct {
	listener net.Listener
	handlers map[string]Handler
	svc      Ticker

	incoming chan inFlight
	done     chan struct{}
	running  bool
}

// New binds a TCP listener on addr (e.g. ":5050") and returns a Loop
// ready to register handlers on.
func New(addr string, svc Ticker) (*Loop, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding control socket on %s: %w", addr, err)
	}
	return &Loop{
		listener: ln,
		handlers: make(map[string]Handler),
		svc:      svc,
		incoming: make(chan inFlight, 64),
		done:     make(chan struct{}),
		running:  true,
	}, nil
}

// Register binds name to handler (spec.md §4.8's handler table).
func (l *Loop) Register(name string, h Handler) {
	l.handlers[name] = h
}

// Stop flips the running flag, stops the service manager, and closes the
// listener — the control loop exits after its current iteration (spec.md
// §4.8 `shutdown` handler).
func (l *Loop) Stop() {
	l.running = false
	l.svc.Stop()
	close(l.done)
	l.listener.Close()
}

// Run accepts connections and drives the control loop until Stop is
// called (typically from the `shutdown` handler).
func (l *Loop) Run() error {
	go l.acceptLoop()

	for l.running {
		select {
		case inflight := <-l.incoming:
			l.dispatch(inflight)
		case <-time.After(pollTimeout):
			l.svc.Update()
		}
		time.Sleep(loopSleep)
	}
	return nil
}

func (l *Loop) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				logging.Error("reqloop: accept failed: %v", err)
				return
			}
		}
		go l.serveConn(conn)
	}
}

func (l *Loop) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				logging.Debug("reqloop: connection read ended: %v", err)
			}
			return
		}

		var req Request
		reply := map[string]interface{}{}
		if err := json.Unmarshal(payload, &req); err != nil {
			reply = map[string]interface{}{"status": "Failed", "error": err.Error()}
		} else {
			replyCh := make(chan map[string]interface{}, 1)
			select {
			case l.incoming <- inFlight{req: req, reply: replyCh}:
			case <-l.done:
				return
			}
			select {
			case reply = <-replyCh:
			case <-l.done:
				return
			}
		}

		out, err := json.Marshal(reply)
		if err != nil {
			out, _ = json.Marshal(map[string]interface{}{"status": "Failed", "error": err.Error()})
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := writeFrame(conn, out); err != nil {
			logging.Error("reqloop: dropping reply, send failed: %v", err)
			return
		}
	}
}

func (l *Loop) dispatch(inflight inFlight) {
	reply := l.handle(inflight.req)
	select {
	case inflight.reply <- reply:
	default:
	}
}

func (l *Loop) handle(req Request) (reply map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("reqloop: handler for %q panicked: %v", req.Name, r)
			reply = map[string]interface{}{"status": "Failed", "error": fmt.Sprintf("%v", r)}
		}
	}()

	h, ok := l.handlers[req.Name]
	if !ok {
		return map[string]interface{}{"status": "Failed", "error": fmt.Sprintf("unknown request %q", req.Name)}
	}
	return h(req.Data)
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
