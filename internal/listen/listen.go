// Package listen implements the engine's external event transport: a
// line-delimited text protocol over TCP or a Unix socket (or stdin).
// Each line is split on ASCII whitespace into an event tuple; empty
// lines are ignored.
//
// The socket side runs on its own goroutines, which feed complete events
// into a bounded queue. The engine drains the queue non-blocking once per
// generation step via Poll, so the generation thread never touches a
// socket.
package listen

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// DefaultPort is the TCP port used when the operator gives none.
	DefaultPort = 31863

	// queueSize bounds events buffered between generation steps.
	queueSize = 1024

	// Flood control for incoming lines, shared across connections.
	// Soundscape events are operator-scale traffic; anything faster is a
	// runaway client.
	lineRateLimit = 200 // lines per second
	lineRateBurst = 400
)

// Listener accepts connections and parses line-delimited events.
type Listener struct {
	logger *slog.Logger
	ln     net.Listener
	events chan []string

	limiter    *rate.Limiter
	unlinkPath string

	mu     sync.Mutex
	conns  map[string]net.Conn
	closed bool

	wg sync.WaitGroup
}

// New opens a listener. The port string selects the transport: a number
// listens on that TCP port on localhost, a value beginning with "/"
// listens on a Unix socket at that path, "-" reads from stdin, and an
// empty string uses the default TCP port.
func New(port string, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		logger:  logger.With("subsystem", "listener"),
		events:  make(chan []string, queueSize),
		limiter: rate.NewLimiter(rate.Limit(lineRateLimit), lineRateBurst),
		conns:   make(map[string]net.Conn),
	}

	if port == "-" {
		l.wg.Add(1)
		go l.readConn("stdin", os.Stdin)
		l.logger.Info("listening for events on stdin")
		return l, nil
	}

	var (
		ln  net.Listener
		err error
	)
	switch {
	case strings.HasPrefix(port, "/"):
		ln, err = net.Listen("unix", port)
		if err == nil {
			l.unlinkPath = port
		}
	default:
		p := DefaultPort
		if port != "" {
			p, err = strconv.Atoi(port)
			if err != nil {
				return nil, fmt.Errorf("invalid listen port %q: %w", port, err)
			}
		}
		ln, err = net.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(p)))
	}
	if err != nil {
		return nil, fmt.Errorf("opening event listener: %w", err)
	}

	l.ln = ln
	l.wg.Add(1)
	go l.acceptLoop()
	l.logger.Info("listening for events", "addr", ln.Addr().String())
	return l, nil
}

// Addr returns the listener's network address, or nil in stdin mode.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Poll drains every complete event received since the last call. It
// never blocks; an empty slice means nothing arrived.
func (l *Listener) Poll() [][]string {
	var out [][]string
	for {
		select {
		case ev := <-l.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Close shuts down the socket and all connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]net.Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	l.wg.Wait()
	if l.unlinkPath != "" {
		os.Remove(l.unlinkPath)
	}
	l.logger.Info("event listener closed")
	return err
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// acceptLoop admits connections until the listener closes.
func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", "error", err)
			continue
		}
		id := uuid.NewString()
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conns[id] = conn
		l.mu.Unlock()

		l.logger.Debug("event connection opened", "conn_id", id, "remote", conn.RemoteAddr().String())
		l.wg.Add(1)
		go func() {
			defer func() {
				l.mu.Lock()
				delete(l.conns, id)
				l.mu.Unlock()
				conn.Close()
			}()
			l.readConn(id, conn)
		}()
	}
}

// readConn parses one byte stream into events until EOF.
func (l *Listener) readConn(id string, r io.Reader) {
	defer l.wg.Done()

	sc := bufio.NewScanner(r)
	sc.Split(scanEventLines)
	for sc.Scan() {
		tokens := strings.Fields(sc.Text())
		if len(tokens) == 0 {
			continue
		}
		if !l.limiter.Allow() {
			l.logger.Warn("event rate limit exceeded, dropping line", "conn_id", id)
			continue
		}
		select {
		case l.events <- tokens:
		default:
			l.logger.Warn("event queue full, dropping line", "conn_id", id)
		}
	}
	if err := sc.Err(); err != nil && !l.isClosed() && !errors.Is(err, net.ErrClosed) {
		l.logger.Debug("event connection read ended", "conn_id", id, "error", err)
	}
	l.logger.Debug("event connection closed", "conn_id", id)
}

// scanEventLines splits on CR, LF, or CRLF, so clients with any line
// discipline work.
func scanEventLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		} else if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// Might be the first half of a CRLF; wait for more input.
			return 0, nil, nil
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
