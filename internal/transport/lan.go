package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoSweep/internal/logging"
	"github.com/rjboer/GoSweep/internal/scpi"
)

// DialContextFunc opens the TCP stream to the instrument. SSHTunnel
// provides one that goes through a jump host.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// LANOptions tune a LAN channel. Zero values select defaults.
type LANOptions struct {
	Timeout     time.Duration
	MaxResponse int
	Dial        DialContextFunc
	Logger      logging.Logger
}

func (o LANOptions) withDefaults() LANOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultLANTimeout
	}
	if o.MaxResponse <= 0 {
		o.MaxResponse = DefaultMaxResponse
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

// LAN is a SCPI raw-socket channel.
type LAN struct {
	mu          sync.Mutex
	addr        string
	conn        net.Conn
	reader      *bufio.Reader
	timeout     time.Duration
	maxResponse int
	logger      logging.Logger
	closed      atomic.Bool
	// stale is set after a read timeout: a late answer may still arrive
	// and must not be taken as the reply to the next query.
	stale bool
}

// staleWindow bounds how long a channel waits for a late answer before
// its next command.
const staleWindow = 50 * time.Millisecond

// DialLAN connects to host:port. A refused or timed out connection fails
// with ErrConnection. Port 0 selects DefaultLANPort.
func DialLAN(ctx context.Context, host string, port int, opts LANOptions) (*LAN, error) {
	opts = opts.withDefaults()
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrConnection)
	}
	if port == 0 {
		port = DefaultLANPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dial := opts.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: opts.Timeout}
		dial = d.DialContext
	}
	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	l := NewLAN(conn, opts)
	l.addr = addr
	l.logger.Info("lan channel connected", logging.F("addr", addr), logging.F("timeout", opts.Timeout))
	return l, nil
}

// NewLAN wraps an established connection, e.g. one end of net.Pipe in tests.
func NewLAN(conn net.Conn, opts LANOptions) *LAN {
	opts = opts.withDefaults()
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &LAN{
		addr:        addr,
		conn:        conn,
		reader:      bufio.NewReader(conn),
		timeout:     opts.Timeout,
		maxResponse: opts.MaxResponse,
		logger:      opts.Logger.With(logging.Subsystem("transport"), logging.F("kind", KindLAN)),
	}
}

func (l *LAN) Kind() Kind { return KindLAN }

func (l *LAN) Timeout() time.Duration { return l.timeout }

// Addr returns the instrument address.
func (l *LAN) Addr() string { return l.addr }

// Write sends cmd terminated with '\n'.
func (l *LAN) Write(cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked(cmd)
}

// Query writes cmd and waits up to the channel timeout for the response.
func (l *LAN) Query(cmd string) (string, error) {
	if !scpi.IsQuery(cmd) {
		return "", fmt.Errorf("%w: %q", ErrNotQuery, cmd)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writeLocked(cmd); err != nil {
		return "", err
	}

	stop, fired := l.armReadDeadline()
	resp, err := readResponse(l.reader, l.maxResponse)
	stop()
	if err != nil {
		if isTimeout(err) || fired.Load() {
			l.stale = true
			return "", timeoutError("query", cmd, l.timeout)
		}
		return "", ioError("query", cmd, err)
	}
	l.logger.Debug("query", logging.F("cmd", cmd), logging.F("bytes", len(resp)))
	return resp, nil
}

func (l *LAN) writeLocked(cmd string) error {
	if l.closed.Load() {
		return fmt.Errorf("%w: write %q", ErrClosed, cmd)
	}
	if l.stale {
		l.discardStale()
	}
	if l.conn.SetWriteDeadline(time.Now().Add(l.timeout)) != nil {
		// Tunnelled connections have no deadlines; writes are bounded by
		// the tunnel's own flow control.
		l.logger.Debug("write deadline unsupported")
	}
	b := []byte(cmd + "\n")
	for len(b) > 0 {
		n, err := l.conn.Write(b)
		if err != nil {
			if isTimeout(err) {
				return timeoutError("write", cmd, l.timeout)
			}
			return ioError("write", cmd, err)
		}
		b = b[n:]
	}
	return nil
}

func (l *LAN) discardStale() {
	l.stale = false
	dropped, _ := l.reader.Discard(l.reader.Buffered())
	if l.conn.SetReadDeadline(time.Now().Add(staleWindow)) == nil {
		buf := make([]byte, 4096)
		for {
			n, err := l.reader.Read(buf)
			dropped += n
			if err != nil {
				break
			}
		}
	}
	if dropped > 0 {
		l.logger.Warn("discarded late response", logging.F("bytes", dropped))
	}
}

// armReadDeadline bounds the next read. Connections that reject deadlines
// get a watchdog that closes them instead; fired reports whether it did.
func (l *LAN) armReadDeadline() (stop func(), fired *atomic.Bool) {
	fired = &atomic.Bool{}
	if err := l.conn.SetReadDeadline(time.Now().Add(l.timeout)); err == nil {
		return func() {}, fired
	}
	t := time.AfterFunc(l.timeout, func() {
		fired.Store(true)
		_ = l.conn.Close()
	})
	return func() { t.Stop() }, fired
}

// Close closes the socket. Only the first call has an effect.
func (l *LAN) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.logger.Info("lan channel closed", logging.F("addr", l.addr))
	return l.conn.Close()
}
