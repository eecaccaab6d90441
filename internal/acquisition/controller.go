// Package acquisition drives a connected spectrum analyzer through
// configure, trigger and read cycles, once or on a fixed period.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoSweep/internal/logging"
	"github.com/rjboer/GoSweep/internal/scpi"
	"github.com/rjboer/GoSweep/internal/transport"
)

var (
	ErrNotConnected     = errors.New("acquisition: not connected")
	ErrAlreadyConnected = errors.New("acquisition: already connected")
	ErrBusy             = errors.New("acquisition: cycle already in progress")
	ErrConnectionLost   = errors.New("acquisition: connection lost")

	errCancelled = errors.New("acquisition: cancelled")
)

// State is the controller's acquisition state.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config tunes the acquisition cycle. Zero values are replaced by defaults.
type Config struct {
	// SettleDelay is the wait between triggering a sweep and reading it.
	SettleDelay time.Duration
	// Period is the pause between the end of one cycle and the start of
	// the next in repeating mode.
	Period time.Duration
	// DisableGPS skips the :FETCh:GPS? query, for analyzers without a
	// receiver.
	DisableGPS bool
}

const (
	DefaultSettleDelay = 700 * time.Millisecond
	DefaultPeriod      = time.Second
)

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	return c
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     State               `json:"state"`
	Connected bool                `json:"connected"`
	Transport transport.Kind      `json:"transport,omitempty"`
	Identity  scpi.Identity       `json:"identity"`
	Spectrum  scpi.SpectrumConfig `json:"spectrum"`
	Cycles    uint64              `json:"cycles"`
}

// Controller owns at most one transport channel and runs acquisition
// cycles on it. At most one cycle is in flight at any time.
type Controller struct {
	mu       sync.Mutex
	ch       transport.Channel
	identity scpi.Identity
	spectrum scpi.SpectrumConfig
	state    State
	task     *Task

	// cycle serialises instrument conversations: acquisition cycles and
	// configuration writes.
	cycle sync.Mutex
	seq   atomic.Uint64

	cfg      Config
	reporter Reporter
	logger   logging.Logger
	metrics  *Metrics
}

// New builds a disconnected controller. reporter and metrics may be nil.
func New(reporter Reporter, logger logging.Logger, metrics *Metrics, cfg Config) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		cfg:      cfg.withDefaults(),
		reporter: reporter,
		logger:   logger.With(logging.Subsystem("acquisition")),
		metrics:  metrics,
	}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Attach hands an already open channel to the controller.
func (c *Controller) Attach(ch transport.Channel, id scpi.Identity) error {
	if ch == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		return ErrAlreadyConnected
	}
	c.ch = ch
	c.identity = id
	c.state = StateIdle
	c.logger.Info("connected",
		logging.F("transport", ch.Kind()),
		logging.F("identity", id.String()),
	)
	return nil
}

// ConnectLAN dials host:port and attaches the channel. The identity query
// is best effort: an instrument that does not answer *IDN? is still
// usable.
func (c *Controller) ConnectLAN(ctx context.Context, host string, port int, opts transport.LANOptions) error {
	if c.Connected() {
		return ErrAlreadyConnected
	}
	ch, err := transport.DialLAN(ctx, host, port, opts)
	if err != nil {
		return err
	}
	var id scpi.Identity
	if idn, err := ch.Query(scpi.CmdIdentify); err != nil {
		c.logger.Warn("identify failed, continuing without identity",
			logging.F("addr", ch.Addr()), logging.Err(err))
	} else {
		id = scpi.ParseIdentity(idn)
	}
	if err := c.Attach(ch, id); err != nil {
		_ = ch.Close()
		return err
	}
	return nil
}

// ConnectUSB opens a USB serial resource, identifies it and attaches the
// channel.
func (c *Controller) ConnectUSB(ctx context.Context, opts transport.USBOptions) error {
	if c.Connected() {
		return ErrAlreadyConnected
	}
	ch, idn, err := transport.OpenUSB(ctx, opts)
	if err != nil {
		return err
	}
	if err := c.Attach(ch, scpi.ParseIdentity(idn)); err != nil {
		_ = ch.Close()
		return err
	}
	return nil
}

// Connected reports whether a channel is attached.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil
}

// State returns the current acquisition state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the attached instrument's identity, if known.
func (c *Controller) Identity() scpi.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:     c.state,
		Connected: c.ch != nil,
		Identity:  c.identity,
		Spectrum:  c.spectrum,
		Cycles:    c.seq.Load(),
	}
	if c.ch != nil {
		st.Transport = c.ch.Kind()
	}
	return st
}

// Configure sends the commands for cfg to the instrument. It is allowed
// while a repeating acquisition is running, in which case it waits for
// the in-flight cycle and takes effect from the next one.
func (c *Controller) Configure(ctx context.Context, cfg scpi.SpectrumConfig) error {
	ch, release, err := c.converse()
	if err != nil {
		return err
	}
	defer release()

	cmds := scpi.BuildCommands(cfg)
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", errCancelled, err)
		}
		if err := ch.Write(cmd); err != nil {
			return c.checkFatal(ch, err)
		}
	}

	c.mu.Lock()
	c.spectrum = cfg
	c.mu.Unlock()
	c.logger.Info("configured", logging.F("commands", len(cmds)))
	return nil
}

// Send passes a raw SCPI command to the instrument. Queries return the
// response line; other commands return "". Locking follows Configure.
func (c *Controller) Send(ctx context.Context, cmd string) (string, error) {
	ch, release, err := c.converse()
	if err != nil {
		return "", err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", errCancelled, err)
	}

	if !scpi.IsQuery(cmd) {
		if err := ch.Write(cmd); err != nil {
			return "", c.checkFatal(ch, err)
		}
		c.logger.Debug("sent", logging.F("cmd", cmd))
		return "", nil
	}
	resp, err := ch.Query(cmd)
	if err != nil {
		return "", c.checkFatal(ch, err)
	}
	return resp, nil
}

// converse takes the cycle lock for a conversation outside the acquisition
// cycle. While Running it waits for the in-flight cycle; otherwise a held
// cycle means a single acquisition is in progress and it fails with ErrBusy.
func (c *Controller) converse() (transport.Channel, func(), error) {
	c.mu.Lock()
	ch := c.ch
	if ch == nil {
		c.mu.Unlock()
		return nil, nil, ErrNotConnected
	}
	running := c.state == StateRunning
	if !running && !c.cycle.TryLock() {
		c.mu.Unlock()
		return nil, nil, ErrBusy
	}
	c.mu.Unlock()

	if running {
		c.cycle.Lock()
		c.mu.Lock()
		current := c.ch
		c.mu.Unlock()
		if current != ch {
			c.cycle.Unlock()
			return nil, nil, ErrNotConnected
		}
	}
	return ch, c.cycle.Unlock, nil
}

// checkFatal drops the connection when err means the channel is unusable.
func (c *Controller) checkFatal(ch transport.Channel, err error) error {
	if transport.IsFatal(err) {
		c.dropConnection(ch, err)
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return err
}

// AcquireOnce runs a single cycle. It fails with ErrBusy while another
// cycle or a repeating acquisition is active.
func (c *Controller) AcquireOnce(ctx context.Context) (Result, error) {
	c.mu.Lock()
	ch := c.ch
	if ch == nil {
		c.mu.Unlock()
		return Result{}, ErrNotConnected
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return Result{}, ErrBusy
	}
	if !c.cycle.TryLock() {
		c.mu.Unlock()
		return Result{}, ErrBusy
	}
	c.state = StateAcquiring
	c.mu.Unlock()

	res := c.runCycle(ctx, ch)
	c.cycle.Unlock()

	c.mu.Lock()
	if c.state == StateAcquiring {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if errors.Is(res.Err, ErrConnectionLost) {
		c.dropConnection(ch, res.Err)
	}
	c.report(res)
	return res, res.Err
}

// Start begins repeating acquisition. ctx bounds the whole run; Stop ends
// it early.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return ErrNotConnected
	}
	if c.state != StateIdle {
		return ErrBusy
	}
	c.state = StateRunning
	c.task = StartTask(c.cfg.Period, func() bool { return c.tick(ctx) })
	c.logger.Info("repeating acquisition started",
		logging.F("period", c.cfg.Period.String()),
		logging.F("settle", c.cfg.SettleDelay.String()),
	)
	return nil
}

// Stop ends repeating acquisition and waits for the in-flight cycle, if
// any, to finish and be reported. It is a no-op when not running.
func (c *Controller) Stop() {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()
	if task == nil {
		return
	}

	task.Stop()
	task.Wait()

	c.mu.Lock()
	if c.task == task {
		c.task = nil
		if c.state == StateRunning {
			c.state = StateIdle
		}
	}
	c.mu.Unlock()
	c.logger.Info("repeating acquisition stopped")
}

// Done returns a channel closed when the current repeating acquisition
// exits. It is already closed when no acquisition is running.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil {
		return closedDone
	}
	return c.task.Done()
}

// Disconnect stops any repeating acquisition and closes the channel.
func (c *Controller) Disconnect() error {
	c.Stop()

	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	c.identity = scpi.Identity{}
	c.state = StateIdle
	c.mu.Unlock()

	if ch == nil {
		return nil
	}
	c.logger.Info("disconnected", logging.F("transport", ch.Kind()))
	return ch.Close()
}

// Close is Disconnect.
func (c *Controller) Close() error { return c.Disconnect() }

func (c *Controller) tick(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.ch
	running := c.state == StateRunning
	c.mu.Unlock()
	if !running || ch == nil {
		return false
	}
	if ctx.Err() != nil {
		c.leaveRunning()
		return false
	}

	c.cycle.Lock()
	res := c.runCycle(ctx, ch)
	c.cycle.Unlock()

	if errors.Is(res.Err, ErrConnectionLost) {
		c.dropConnection(ch, res.Err)
		c.report(res)
		return false
	}
	c.report(res)
	if ctx.Err() != nil {
		c.leaveRunning()
		return false
	}
	return true
}

func (c *Controller) leaveRunning() {
	c.mu.Lock()
	if c.state == StateRunning {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// runCycle performs one trigger, settle and read sequence. The caller
// holds c.cycle.
func (c *Controller) runCycle(ctx context.Context, ch transport.Channel) (res Result) {
	res = Result{Seq: c.seq.Add(1), Started: time.Now(), GPS: scpi.NoFix}
	defer func() { res.Duration = time.Since(res.Started) }()

	pre, sweep, err := c.acquireSweep(ctx, ch)
	res.Preamble = pre
	if err != nil {
		if transport.IsFatal(err) {
			err = fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		res.Err = err
		if errors.Is(err, ErrConnectionLost) || errors.Is(err, errCancelled) {
			return res
		}
	} else {
		res.Sweep = &sweep
	}

	if !c.cfg.DisableGPS {
		res.GPS, res.GPSErr = c.fetchGPS(ch)
	}
	return res
}

func (c *Controller) acquireSweep(ctx context.Context, ch transport.Channel) (scpi.Preamble, scpi.Sweep, error) {
	for _, cmd := range scpi.AcquisitionCommands() {
		if err := ch.Write(cmd); err != nil {
			return scpi.Preamble{}, scpi.Sweep{}, err
		}
	}
	if err := sleepContext(ctx, c.cfg.SettleDelay); err != nil {
		return scpi.Preamble{}, scpi.Sweep{}, fmt.Errorf("%w: %w", errCancelled, err)
	}

	raw, err := ch.Query(scpi.CmdTraceData)
	if err != nil {
		return scpi.Preamble{}, scpi.Sweep{}, err
	}
	block, err := scpi.DecodeTrace(raw)
	if err != nil {
		return scpi.Preamble{}, scpi.Sweep{}, fmt.Errorf("trace: %w", err)
	}

	text, err := ch.Query(scpi.CmdTracePreamble)
	if err != nil {
		return scpi.Preamble{}, scpi.Sweep{}, err
	}
	pre, err := scpi.DecodePreamble(text)
	if err != nil {
		return scpi.Preamble{}, scpi.Sweep{}, fmt.Errorf("preamble: %w", err)
	}

	sweep, err := scpi.NewSweep(pre, block)
	if err != nil {
		return pre, scpi.Sweep{}, err
	}
	return pre, sweep, nil
}

// fetchGPS never fails the cycle. A timed-out GPS query may leave a late
// answer on the wire; the channel discards it before the next query.
func (c *Controller) fetchGPS(ch transport.Channel) (scpi.GPSFix, error) {
	text, err := ch.Query(scpi.CmdFetchGPS)
	if err != nil {
		c.logger.Debug("gps query failed", logging.Err(err))
		return scpi.NoFix, err
	}
	return scpi.DecodeGPS(text), nil
}

// dropConnection closes ch after a transport failure. Only the first drop
// of the attached channel changes state; a late drop of a channel that was
// already replaced just closes it.
func (c *Controller) dropConnection(ch transport.Channel, cause error) {
	c.mu.Lock()
	current := c.ch == ch
	if current {
		c.ch = nil
		c.identity = scpi.Identity{}
		c.state = StateIdle
	}
	c.mu.Unlock()

	_ = ch.Close()
	if !current {
		return
	}
	c.metrics.connectionLost()
	c.logger.Error("connection lost", logging.F("transport", ch.Kind()), logging.Err(cause))
}

func (c *Controller) report(res Result) {
	c.metrics.observe(res)
	if c.reporter != nil {
		c.reporter.Report(res)
	}
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
