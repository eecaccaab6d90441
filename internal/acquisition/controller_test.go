package acquisition

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rjboer/GoSweep/internal/logging"
	"github.com/rjboer/GoSweep/internal/scpi"
	"github.com/rjboer/GoSweep/internal/transport"
)

const (
	testTrace    = "#218-10,-20,-5,-30,-40"
	testPreamble = "START_FREQ=1 M,STOP_FREQ=5 M,UI_DATA_POINTS=5"
	testGPS      = "GOOD FIX,2024-01-01T00:00:00,0.5,-1.0"
)

// fakeInstrument is an in-memory transport.Channel. Queries without an
// answer time out.
type fakeInstrument struct {
	mu      sync.Mutex
	writes  []string
	answers map[string]string
	fail    map[string]error
	closed  bool

	// gate, when set, holds the trace query until closed. entered is
	// signalled when the trace query arrives.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeInstrument() *fakeInstrument {
	return &fakeInstrument{
		answers: map[string]string{
			scpi.CmdTraceData:     testTrace,
			scpi.CmdTracePreamble: testPreamble,
			scpi.CmdFetchGPS:      testGPS,
		},
		fail:    map[string]error{},
		entered: make(chan struct{}, 1),
	}
}

func (f *fakeInstrument) Write(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("%w: write %q", transport.ErrClosed, cmd)
	}
	f.writes = append(f.writes, cmd)
	return f.fail[cmd]
}

func (f *fakeInstrument) Query(cmd string) (string, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", fmt.Errorf("%w: query %q", transport.ErrClosed, cmd)
	}
	f.writes = append(f.writes, cmd)
	resp, ok := f.answers[cmd]
	err := f.fail[cmd]
	gate := f.gate
	f.mu.Unlock()

	if cmd == scpi.CmdTraceData && gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-gate
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %w: %q", transport.ErrTransport, transport.ErrTimeout, cmd)
	}
	return resp, nil
}

func (f *fakeInstrument) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeInstrument) Kind() transport.Kind { return transport.KindLAN }
func (f *fakeInstrument) Timeout() time.Duration { return time.Second }

func (f *fakeInstrument) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeInstrument) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recorder struct {
	results chan Result
}

func newRecorder() *recorder { return &recorder{results: make(chan Result, 64)} }

func (r *recorder) Report(res Result) { r.results <- res }

func (r *recorder) next(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a result")
		return Result{}
	}
}

var testConfig = Config{SettleDelay: time.Millisecond, Period: 5 * time.Millisecond}

func newTestController(t *testing.T, inst *fakeInstrument) (*Controller, *recorder, *Metrics) {
	t.Helper()
	rec := newRecorder()
	metrics := NewMetrics(prometheus.NewRegistry())
	c := New(rec, logging.Nop(), metrics, testConfig)
	if inst != nil {
		if err := c.Attach(inst, scpi.ParseIdentity("ACME,SA-2,42,2.1")); err != nil {
			t.Fatalf("Attach: %v", err)
		}
	}
	return c, rec, metrics
}

func TestConfigDefaults(t *testing.T) {
	c := New(nil, nil, nil, Config{})
	cfg := c.Config()
	if cfg.SettleDelay != DefaultSettleDelay || cfg.Period != DefaultPeriod || cfg.DisableGPS {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestAcquireOnceProducesSweep(t *testing.T) {
	inst := newFakeInstrument()
	c, rec, metrics := newTestController(t, inst)

	res, err := c.AcquireOnce(context.Background())
	if err != nil {
		t.Fatalf("AcquireOnce: %v", err)
	}
	want := []string{scpi.CmdFormatASCII, scpi.CmdTrigger, scpi.CmdTraceData, scpi.CmdTracePreamble, scpi.CmdFetchGPS}
	if got := inst.sent(); !reflect.DeepEqual(got, want) {
		t.Fatalf("command order: got %q want %q", got, want)
	}
	if !res.OK() || res.Sweep.Len() != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	freq, amp, ok := res.Sweep.Peak()
	if !ok || freq != 3e6 || amp != -5 {
		t.Fatalf("unexpected peak %v Hz %v dBm", freq, amp)
	}
	if !res.GPS.Good() || res.GPSErr != nil {
		t.Fatalf("expected good GPS fix, got %+v err=%v", res.GPS, res.GPSErr)
	}
	if res.Seq != 1 || res.Duration <= 0 {
		t.Fatalf("unexpected bookkeeping seq=%d duration=%s", res.Seq, res.Duration)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after single cycle, got %s", c.State())
	}
	if got := rec.next(t); got.Seq != res.Seq {
		t.Fatalf("reported seq %d, returned %d", got.Seq, res.Seq)
	}

	if v := testutil.ToFloat64(metrics.cycles.WithLabelValues(OutcomeOK)); v != 1 {
		t.Fatalf("ok cycles = %v", v)
	}
	if v := testutil.ToFloat64(metrics.points); v != 5 {
		t.Fatalf("sweep points gauge = %v", v)
	}
	if v := testutil.ToFloat64(metrics.gpsFix); v != 1 {
		t.Fatalf("gps fix gauge = %v", v)
	}
}

func TestAcquireOnceWithoutGPS(t *testing.T) {
	inst := newFakeInstrument()
	c := New(nil, logging.Nop(), nil, Config{SettleDelay: time.Millisecond, DisableGPS: true})
	if err := c.Attach(inst, scpi.Identity{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	res, err := c.AcquireOnce(context.Background())
	if err != nil {
		t.Fatalf("AcquireOnce: %v", err)
	}
	for _, cmd := range inst.sent() {
		if cmd == scpi.CmdFetchGPS {
			t.Fatalf("GPS queried although disabled")
		}
	}
	if res.GPS.Good() {
		t.Fatalf("expected no fix, got %+v", res.GPS)
	}
}

func TestAcquireOnceNotConnected(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	if _, err := c.AcquireOnce(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from Start, got %v", err)
	}
	if err := c.Configure(context.Background(), scpi.SpectrumConfig{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected from Configure, got %v", err)
	}
}

func TestAcquireOnceGPSFailureKeepsSweep(t *testing.T) {
	inst := newFakeInstrument()
	delete(inst.answers, scpi.CmdFetchGPS)
	c, _, _ := newTestController(t, inst)

	res, err := c.AcquireOnce(context.Background())
	if err != nil {
		t.Fatalf("GPS failure must not fail the cycle: %v", err)
	}
	if !res.OK() || res.GPS.Good() || res.GPSErr == nil {
		t.Fatalf("expected sweep without GPS, got %+v", res)
	}
	if !c.Connected() {
		t.Fatalf("GPS failure must not drop the connection")
	}
}

func TestAcquireOnceDecodeErrorKeepsConnection(t *testing.T) {
	inst := newFakeInstrument()
	inst.answers[scpi.CmdTracePreamble] = "START_FREQ=1 M,STOP_FREQ=5 M,UI_DATA_POINTS=4"
	c, _, metrics := newTestController(t, inst)

	res, err := c.AcquireOnce(context.Background())
	if !errors.Is(err, scpi.ErrInconsistentSweep) {
		t.Fatalf("expected ErrInconsistentSweep, got %v", err)
	}
	if res.Sweep != nil {
		t.Fatalf("no sweep expected on inconsistent data")
	}
	if !res.GPS.Good() {
		t.Fatalf("GPS should still be fetched after a decode error")
	}
	if !c.Connected() || c.State() != StateIdle {
		t.Fatalf("decode error must keep the connection: connected=%v state=%s", c.Connected(), c.State())
	}
	if v := testutil.ToFloat64(metrics.cycles.WithLabelValues(OutcomeDecodeError)); v != 1 {
		t.Fatalf("decode_error cycles = %v", v)
	}
}

func TestAcquireOnceMalformedTrace(t *testing.T) {
	inst := newFakeInstrument()
	inst.answers[scpi.CmdTraceData] = "-10,-20"
	c, _, _ := newTestController(t, inst)

	if _, err := c.AcquireOnce(context.Background()); !errors.Is(err, scpi.ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
	if !c.Connected() {
		t.Fatalf("malformed trace must keep the connection")
	}
}

func TestAcquireOnceTransportFailureDisconnects(t *testing.T) {
	inst := newFakeInstrument()
	inst.fail[scpi.CmdTrigger] = fmt.Errorf("%w: broken pipe", transport.ErrTransport)
	c, rec, metrics := newTestController(t, inst)

	_, err := c.AcquireOnce(context.Background())
	if !errors.Is(err, ErrConnectionLost) || !errors.Is(err, transport.ErrTransport) {
		t.Fatalf("expected ErrConnectionLost wrapping transport error, got %v", err)
	}
	if c.Connected() || c.State() != StateIdle {
		t.Fatalf("expected disconnected idle controller, connected=%v state=%s", c.Connected(), c.State())
	}
	if !inst.isClosed() {
		t.Fatalf("channel should be closed after a transport failure")
	}
	if got := rec.next(t); Outcome(got) != OutcomeConnectionLost {
		t.Fatalf("unexpected reported outcome %q", Outcome(got))
	}
	if v := testutil.ToFloat64(metrics.lost); v != 1 {
		t.Fatalf("connection lost counter = %v", v)
	}
	if _, err := c.AcquireOnce(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after loss, got %v", err)
	}
}

func TestAcquireOnceRejectsOverlap(t *testing.T) {
	inst := newFakeInstrument()
	inst.gate = make(chan struct{})
	c, _, _ := newTestController(t, inst)

	done := make(chan error, 1)
	go func() {
		_, err := c.AcquireOnce(context.Background())
		done <- err
	}()
	<-inst.entered

	if c.State() != StateAcquiring {
		t.Fatalf("expected acquiring, got %s", c.State())
	}
	if _, err := c.AcquireOnce(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from Start, got %v", err)
	}
	if err := c.Configure(context.Background(), scpi.SpectrumConfig{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from Configure, got %v", err)
	}

	close(inst.gate)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestAcquireOnceCancelledDuringSettle(t *testing.T) {
	inst := newFakeInstrument()
	c := New(nil, logging.Nop(), nil, Config{SettleDelay: time.Hour})
	if err := c.Attach(inst, scpi.Identity{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := c.AcquireOnce(ctx)
	if !errors.Is(err, context.DeadlineExceeded) || Outcome(res) != OutcomeCancelled {
		t.Fatalf("expected cancelled cycle, got %v (%s)", err, Outcome(res))
	}
	if !c.Connected() {
		t.Fatalf("cancellation must keep the connection")
	}
}

func TestStartRejectsSecondStart(t *testing.T) {
	inst := newFakeInstrument()
	c, _, _ := newTestController(t, inst)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if c.State() != StateRunning {
		t.Fatalf("expected running, got %s", c.State())
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := c.AcquireOnce(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from AcquireOnce while running, got %v", err)
	}
}

func TestStopMidCycleReportsExactlyOnce(t *testing.T) {
	inst := newFakeInstrument()
	inst.gate = make(chan struct{})
	c, rec, _ := newTestController(t, inst)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-inst.entered

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("Stop returned while a cycle was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(inst.gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after the cycle finished")
	}

	if res := rec.next(t); !res.OK() {
		t.Fatalf("in-flight cycle should complete: %v", res.Err)
	}
	time.Sleep(4 * testConfig.Period)
	if n := len(rec.results); n != 0 {
		t.Fatalf("expected exactly one result, got %d more", n)
	}
	if c.State() != StateIdle || !c.Connected() {
		t.Fatalf("expected connected idle controller, state=%s", c.State())
	}
}

func TestRunRepeatsUntilCancelled(t *testing.T) {
	inst := newFakeInstrument()
	c, rec, _ := newTestController(t, inst)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := c.Done()

	for i := 1; i <= 3; i++ {
		if res := rec.next(t); res.Seq != uint64(i) || !res.OK() {
			t.Fatalf("cycle %d: unexpected result %+v", i, res)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not exit after cancellation")
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after cancellation, got %s", c.State())
	}
	c.Stop()
}

func TestRunKeepsGoingAfterDecodeError(t *testing.T) {
	inst := newFakeInstrument()
	inst.answers[scpi.CmdTracePreamble] = "START_FREQ=1 M,STOP_FREQ=5 M,UI_DATA_POINTS=9"
	c, rec, _ := newTestController(t, inst)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	for i := 0; i < 2; i++ {
		if res := rec.next(t); !errors.Is(res.Err, scpi.ErrInconsistentSweep) {
			t.Fatalf("expected inconsistent sweep, got %v", res.Err)
		}
	}
	if c.State() != StateRunning {
		t.Fatalf("decode errors must not stop the run, state=%s", c.State())
	}
}

func TestRunStopsOnConnectionLoss(t *testing.T) {
	inst := newFakeInstrument()
	inst.fail[scpi.CmdTraceData] = fmt.Errorf("%w: connection reset", transport.ErrTransport)
	c, rec, _ := newTestController(t, inst)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := c.Done()
	if res := rec.next(t); !errors.Is(res.Err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", res.Err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not exit after connection loss")
	}
	if c.Connected() || c.State() != StateIdle {
		t.Fatalf("expected disconnected idle controller")
	}
	c.Stop()
}

func TestConfigureWritesCommands(t *testing.T) {
	inst := newFakeInstrument()
	c, _, _ := newTestController(t, inst)

	cfg := scpi.SpectrumConfig{
		StartFreqHz: scpi.Float(1e6),
		SpanHz:      scpi.Float(2e6),
		RBWHz:       scpi.Float(1e3),
	}
	if err := c.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got, want := inst.sent(), scpi.BuildCommands(cfg); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
	if st := c.Status(); st.Spectrum.RBWHz == nil || *st.Spectrum.RBWHz != 1e3 {
		t.Fatalf("status does not reflect configuration: %+v", st.Spectrum)
	}
}

func TestConfigureTransportFailureDisconnects(t *testing.T) {
	inst := newFakeInstrument()
	inst.fail[":SENSe:FREQuency:SPAN 5000"] = fmt.Errorf("%w: %w", transport.ErrTransport, transport.ErrTimeout)
	c, _, _ := newTestController(t, inst)

	err := c.Configure(context.Background(), scpi.SpectrumConfig{SpanHz: scpi.Float(5000)})
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if c.Connected() {
		t.Fatalf("expected disconnect after transport failure")
	}
}

func TestAttachTwiceAndDisconnect(t *testing.T) {
	inst := newFakeInstrument()
	c, _, _ := newTestController(t, inst)

	if err := c.Attach(newFakeInstrument(), scpi.Identity{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	st := c.Status()
	if !st.Connected || st.Transport != transport.KindLAN || st.Identity.Model != "SA-2" {
		t.Fatalf("unexpected status %+v", st)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !inst.isClosed() || c.Connected() {
		t.Fatalf("channel should be closed")
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}

func TestDisconnectStopsRun(t *testing.T) {
	inst := newFakeInstrument()
	c, _, _ := newTestController(t, inst)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != StateIdle || c.Connected() {
		t.Fatalf("expected idle disconnected controller, state=%s", c.State())
	}
}

func TestConnectLANIdentifies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimSpace(line) == scpi.CmdIdentify {
				_, _ = io.WriteString(conn, "ACME,SA-2,42,2.1\r\n")
			}
		}
	}()

	c, _, _ := newTestController(t, nil)
	port := ln.Addr().(*net.TCPAddr).Port
	if err := c.ConnectLAN(context.Background(), "127.0.0.1", port, transport.LANOptions{Timeout: time.Second, Logger: logging.Nop()}); err != nil {
		t.Fatalf("ConnectLAN: %v", err)
	}
	defer c.Close()

	if id := c.Identity(); id.Manufacturer != "ACME" || id.Serial != "42" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if err := c.ConnectLAN(context.Background(), "127.0.0.1", port, transport.LANOptions{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestConnectLANRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c, _, _ := newTestController(t, nil)
	err = c.ConnectLAN(context.Background(), "127.0.0.1", port, transport.LANOptions{Timeout: time.Second, Logger: logging.Nop()})
	if !errors.Is(err, transport.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if c.Connected() {
		t.Fatalf("controller must stay disconnected")
	}
}

func TestDoneClosedWhenNotRunning(t *testing.T) {
	inst := newFakeInstrument()
	c, _, _ := newTestController(t, inst)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done must be closed before Start")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-c.Done():
		t.Fatalf("Done closed while running")
	default:
	}
	c.Stop()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done must be closed after Stop")
	}
}

func TestConfigureBusyWhileCycleHeld(t *testing.T) {
	inst := newFakeInstrument()
	c, _, _ := newTestController(t, inst)

	// a single acquisition that has taken the cycle but not yet marked
	// itself Acquiring
	c.cycle.Lock()
	done := make(chan error, 1)
	go func() { done <- c.Configure(context.Background(), scpi.SpectrumConfig{SpanHz: scpi.Float(1e6)}) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("expected ErrBusy, got %v", err)
		}
	case <-time.After(time.Second):
		c.cycle.Unlock()
		t.Fatalf("Configure waited for the cycle instead of failing")
	}
	c.cycle.Unlock()
	if got := inst.sent(); len(got) != 0 {
		t.Fatalf("nothing should be written, got %q", got)
	}
}

func TestLateDropOfReplacedChannel(t *testing.T) {
	old := newFakeInstrument()
	c, _, metrics := newTestController(t, old)
	cause := fmt.Errorf("%w: read", transport.ErrTransport)

	c.dropConnection(old, cause)
	if c.Connected() || testutil.ToFloat64(metrics.lost) != 1 {
		t.Fatalf("first drop should disconnect and count once")
	}

	fresh := newFakeInstrument()
	if err := c.Attach(fresh, scpi.Identity{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	c.dropConnection(old, cause)
	if c.State() != StateRunning || !c.Connected() || fresh.isClosed() {
		t.Fatalf("late drop disturbed the new session: state=%s connected=%v", c.State(), c.Connected())
	}
	if v := testutil.ToFloat64(metrics.lost); v != 1 {
		t.Fatalf("connection lost counted %v times", v)
	}
}

func TestSendWritesAndQueries(t *testing.T) {
	inst := newFakeInstrument()
	inst.answers[":SENSe:FREQuency:CENTer?"] = "1000000000"
	c, _, _ := newTestController(t, inst)
	ctx := context.Background()

	if resp, err := c.Send(ctx, ":SENSe:FREQuency:CENTer 1e9"); err != nil || resp != "" {
		t.Fatalf("write: %q %v", resp, err)
	}
	resp, err := c.Send(ctx, ":SENSe:FREQuency:CENTer?")
	if err != nil || resp != "1000000000" {
		t.Fatalf("query: %q %v", resp, err)
	}
	want := []string{":SENSe:FREQuency:CENTer 1e9", ":SENSe:FREQuency:CENTer?"}
	if got := inst.sent(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}

	if _, err := c.Send(ctx, ":SYSTem:ERRor?"); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost for an unanswered query, got %v", err)
	}
	if c.Connected() {
		t.Fatalf("expected disconnect after a timed out query")
	}
	if _, err := c.Send(ctx, "*IDN?"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
