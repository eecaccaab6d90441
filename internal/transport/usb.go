package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/go-serial/serial"

	"github.com/rjboer/GoSweep/internal/logging"
	"github.com/rjboer/GoSweep/internal/scpi"
)

// ResourceLister enumerates candidate instrument resources (device paths).
type ResourceLister interface {
	ListResources() ([]string, error)
}

// ResourceListerFunc adapts a function to ResourceLister.
type ResourceListerFunc func() ([]string, error)

func (f ResourceListerFunc) ListResources() ([]string, error) { return f() }

// DeviceGlobLister lists device nodes matching glob patterns.
type DeviceGlobLister struct {
	Patterns []string
}

// DefaultLister covers USB CDC/serial instruments on Linux. The by-id links
// carry the "usb-" bus prefix, so they pass the USB filter.
var DefaultLister ResourceLister = DeviceGlobLister{Patterns: []string{
	"/dev/serial/by-id/*",
	"/dev/ttyUSB*",
}}

func (g DeviceGlobLister) ListResources() ([]string, error) {
	var out []string
	for _, p := range g.Patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

// ListUSB returns the resources of lister that identify as USB.
func ListUSB(lister ResourceLister) ([]string, error) {
	if lister == nil {
		lister = DefaultLister
	}
	all, err := lister.ListResources()
	if err != nil {
		return nil, err
	}
	usb := make([]string, 0, len(all))
	for _, r := range all {
		if strings.Contains(strings.ToUpper(r), "USB") {
			usb = append(usb, r)
		}
	}
	return usb, nil
}

// PortOpener opens a serial device.
type PortOpener func(name string, baud uint) (io.ReadWriteCloser, error)

// OpenSerialPort opens name with go-serial in 8N1 mode. Reads return after
// 100 ms of silence so the reader goroutine can notice Close.
func OpenSerialPort(name string, baud uint) (io.ReadWriteCloser, error) {
	return serial.Open(serial.OpenOptions{
		PortName:              name,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	})
}

// USBOptions tune a USB channel. Zero values select defaults.
type USBOptions struct {
	// Resource opens this device directly, skipping the preference rules.
	Resource string
	// Prefer picks the first USB resource containing this substring.
	Prefer           string
	Lister           ResourceLister
	Open             PortOpener
	BaudRate         uint
	Timeout          time.Duration
	WriteTermination string
	MaxResponse      int
	Logger           logging.Logger
}

func (o USBOptions) withDefaults() USBOptions {
	if o.Lister == nil {
		o.Lister = DefaultLister
	}
	if o.Open == nil {
		o.Open = OpenSerialPort
	}
	if o.BaudRate == 0 {
		o.BaudRate = 115200
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultUSBTimeout
	}
	if o.WriteTermination == "" {
		o.WriteTermination = "\n"
	}
	if o.MaxResponse <= 0 {
		o.MaxResponse = DefaultMaxResponse
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

type lineResult struct {
	line string
	err  error
}

// USB is a channel over a USB serial port.
type USB struct {
	mu          sync.Mutex
	resource    string
	port        io.ReadWriteCloser
	lines       chan lineResult
	timeout     time.Duration
	term        string
	maxResponse int
	logger      logging.Logger
	closed      atomic.Bool

	// stale is set when a query timed out and its answer may still arrive.
	stale bool

	// pending holds bytes of a line not yet terminated.
	pendMu  sync.Mutex
	pending []byte
}

// OpenUSB finds a USB instrument, opens it and confirms it answers *IDN?.
// It returns the channel and the identify reply.
func OpenUSB(ctx context.Context, opts USBOptions) (*USB, string, error) {
	opts = opts.withDefaults()

	resource := opts.Resource
	if resource == "" {
		candidates, err := ListUSB(opts.Lister)
		if err != nil {
			return nil, "", fmt.Errorf("%w: list resources: %v", ErrConnection, err)
		}
		if len(candidates) == 0 {
			return nil, "", fmt.Errorf("%w: %w", ErrConnection, ErrNotFound)
		}
		resource = pickResource(candidates, opts.Prefer)
	}

	port, err := opts.Open(resource, opts.BaudRate)
	if err != nil {
		return nil, "", fmt.Errorf("%w: open %s: %v", ErrConnection, resource, err)
	}
	u := NewUSB(port, resource, opts)

	idn, err := u.queryContext(ctx, scpi.CmdIdentify)
	if err != nil {
		_ = u.Close()
		return nil, "", fmt.Errorf("%w: %s did not answer identify: %v", ErrConnection, resource, err)
	}
	u.logger.Info("usb channel connected", logging.F("resource", resource), logging.F("idn", idn))
	return u, idn, nil
}

func pickResource(candidates []string, prefer string) string {
	if prefer != "" {
		for _, c := range candidates {
			if strings.Contains(c, prefer) {
				return c
			}
		}
	}
	return candidates[0]
}

// NewUSB wraps an opened port and starts its reader.
func NewUSB(port io.ReadWriteCloser, resource string, opts USBOptions) *USB {
	opts = opts.withDefaults()
	u := &USB{
		resource:    resource,
		port:        port,
		lines:       make(chan lineResult, 16),
		timeout:     opts.Timeout,
		term:        opts.WriteTermination,
		maxResponse: opts.MaxResponse,
		logger:      opts.Logger.With(logging.Subsystem("transport"), logging.F("kind", KindUSB)),
	}
	go u.readLoop()
	return u
}

func (u *USB) Kind() Kind { return KindUSB }

func (u *USB) Timeout() time.Duration { return u.timeout }

// Resource returns the device path the channel was opened on.
func (u *USB) Resource() string { return u.resource }

// Write sends cmd followed by the port's write termination.
func (u *USB) Write(cmd string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.writeLocked(cmd)
}

// Query writes cmd and waits up to the channel timeout for a response line.
func (u *USB) Query(cmd string) (string, error) {
	return u.queryContext(context.Background(), cmd)
}

func (u *USB) queryContext(ctx context.Context, cmd string) (string, error) {
	if !scpi.IsQuery(cmd) {
		return "", fmt.Errorf("%w: %q", ErrNotQuery, cmd)
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	u.discardStale()
	if err := u.writeLocked(cmd); err != nil {
		return "", err
	}

	timer := time.NewTimer(u.timeout)
	defer timer.Stop()
	select {
	case res, ok := <-u.lines:
		if !ok {
			return "", fmt.Errorf("%w: query %q", ErrClosed, cmd)
		}
		if res.err != nil {
			return "", ioError("query", cmd, res.err)
		}
		u.logger.Debug("query", logging.F("cmd", cmd), logging.F("bytes", len(res.line)))
		return res.line, nil
	case <-timer.C:
		u.stale = true
		return "", timeoutError("query", cmd, u.timeout)
	case <-ctx.Done():
		u.stale = true
		return "", ioError("query", cmd, ctx.Err())
	}
}

// discardStale drops responses that arrived after their query timed out,
// so they are not taken as the answer to the next one. After a timeout it
// also waits staleWindow for the rest of the late answer and drops any
// unterminated remainder.
func (u *USB) discardStale() {
	u.drainLines()
	if !u.stale {
		return
	}
	u.stale = false

	timer := time.NewTimer(staleWindow)
	defer timer.Stop()
wait:
	for {
		select {
		case res, ok := <-u.lines:
			if !ok {
				return
			}
			u.logger.Warn("dropping stale response", logging.F("bytes", len(res.line)), logging.Err(res.err))
		case <-timer.C:
			break wait
		}
	}

	u.pendMu.Lock()
	dropped := len(u.pending)
	u.pending = nil
	u.pendMu.Unlock()
	u.drainLines()
	if dropped > 0 {
		u.logger.Warn("discarded partial response", logging.F("bytes", dropped))
	}
}

func (u *USB) drainLines() {
	for {
		select {
		case res, ok := <-u.lines:
			if !ok {
				return
			}
			u.logger.Warn("dropping stale response", logging.F("bytes", len(res.line)), logging.Err(res.err))
		default:
			return
		}
	}
}

func (u *USB) writeLocked(cmd string) error {
	if u.closed.Load() {
		return fmt.Errorf("%w: write %q", ErrClosed, cmd)
	}
	if _, err := io.WriteString(u.port, cmd+u.term); err != nil {
		return ioError("write", cmd, err)
	}
	return nil
}

func (u *USB) readLoop() {
	defer close(u.lines)
	chunk := make([]byte, 4096)
	for {
		n, err := u.port.Read(chunk)
		if n > 0 {
			u.split(chunk[:n])
		}
		if err != nil {
			// go-serial reports an idle inter-character timeout as EOF.
			if errors.Is(err, io.EOF) && !u.closed.Load() {
				continue
			}
			if !u.closed.Load() {
				u.deliver(lineResult{err: err})
			}
			return
		}
	}
}

// split appends b to the unterminated remainder and delivers every
// complete line.
func (u *USB) split(b []byte) {
	u.pendMu.Lock()
	defer u.pendMu.Unlock()
	u.pending = append(u.pending, b...)
	for {
		i := bytes.IndexByte(u.pending, '\n')
		if i < 0 {
			break
		}
		line, ferr := finishResponse(u.pending[:i+1])
		u.deliver(lineResult{line: line, err: ferr})
		u.pending = u.pending[i+1:]
	}
	if len(u.pending) > u.maxResponse {
		u.deliver(lineResult{err: fmt.Errorf("response exceeds %d bytes", u.maxResponse)})
		u.pending = nil
	}
}

func (u *USB) deliver(res lineResult) {
	select {
	case u.lines <- res:
	default:
		u.logger.Warn("response queue full, dropping line")
	}
}

// Close closes the port and stops the reader. Only the first call has an
// effect.
func (u *USB) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	u.logger.Info("usb channel closed", logging.F("resource", u.resource))
	return u.port.Close()
}
