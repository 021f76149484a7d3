// Package output implements the delivery engine: a persistent-queue-backed
// TCP client that streams flags to the judge, matches verdict lines back to
// the flags they answer, and survives disconnects without losing flags.
package output

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zulandar/flagyard/internal/logging"
	"github.com/zulandar/flagyard/internal/models"
)

// Status is the connection state of the channel. Anything other than
// StatusReady means the link is down and queued flags stay put.
type Status string

const (
	StatusNone         Status = "NONE"
	StatusConnecting   Status = "CONNECTING"
	StatusReady        Status = "READY"
	StatusDisconnected Status = "DISCONNECTED"
	StatusRefused      Status = "REFUSED"
	StatusReset        Status = "RESET"
	StatusBrokenPipe   Status = "BROKEN_PIPE"
	StatusTimeout      Status = "TIMED_OUT"
	StatusUnreachable  Status = "HOST_UNREACHABLE"
)

// eventQueueSize bounds the dispatch backlog; emitters block when full.
const eventQueueSize = 256

// Answer pairs a flag with the verdict line the judge sent for it.
type Answer struct {
	Flag *models.Flag
	Text string
}

// Events receives lifecycle notifications from the channel. All handlers
// run on a single dispatch goroutine, in the order the events happened:
// for any flag, Sent is always delivered before its Answered. Handlers
// must not call back into the channel and must not block for long.
type Events interface {
	Sent(flags []*models.Flag)
	Answered(answers []Answer)
	Expired(flags []*models.Flag)
	StatusChanged(status Status)
}

// nopEvents is used when no event sink is wired, e.g. in narrow tests.
type nopEvents struct{}

func (nopEvents) Sent([]*models.Flag)    {}
func (nopEvents) Answered([]Answer)      {}
func (nopEvents) Expired([]*models.Flag) {}
func (nopEvents) StatusChanged(Status)   {}

// Options configures a Channel.
type Options struct {
	Host           string
	Port           int
	ReconnectDelay time.Duration
	SendPeriod     time.Duration // 0 sends immediately on enqueue
	MaxPerSend     int
	FlagLifetime   time.Duration // 0 means flags never age out
	ResendDelay    time.Duration
	Greetings      []string
	BadAnswers     []string
	Logger         *logging.Logger
	Events         Events
}

// Channel owns the outbound judge connection and the three working sets:
// waiting (sorted by priority), inflight (batch being written) and
// awaiting (written, expecting one verdict line each, FIFO).
type Channel struct {
	opts      Options
	addr      string
	logger    *logging.Logger
	events    Events
	greetings map[string]struct{}
	bad       map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// All sink notifications are enqueued here, only ever while holding
	// mu, and consumed by one dispatch goroutine. Holding mu across the
	// enqueue is what makes the queue order match the causal order.
	evq     chan func()
	evqDone chan struct{}

	mu           sync.Mutex
	status       Status
	conn         net.Conn
	waiting      []*models.Flag
	inflight     map[*models.Flag]struct{}
	awaiting     []*models.Flag
	members      map[string]struct{} // values present in any working set
	sending      bool                // single-flight send pass
	dropBoundary time.Time           // flags submitted before this are expired
	ticker       *time.Ticker
	tickerDone   chan struct{}
	stopped      bool
}

// New creates a Channel and starts its event dispatcher. Call Start to
// begin connecting, and always Stop to release the dispatcher.
func New(opts Options) *Channel {
	if opts.MaxPerSend <= 0 {
		opts.MaxPerSend = 50
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ResendDelay <= 0 {
		opts.ResendDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Events == nil {
		opts.Events = nopEvents{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		opts:      opts,
		addr:      net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		logger:    opts.Logger,
		events:    opts.Events,
		greetings: toSet(opts.Greetings),
		bad:       toSet(opts.BadAnswers),
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusNone,
		inflight:  make(map[*models.Flag]struct{}),
		members:   make(map[string]struct{}),
		evq:       make(chan func(), eventQueueSize),
		evqDone:   make(chan struct{}),
	}
	go c.dispatch()
	return c
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

// dispatch drains the event queue until Stop closes it, running every
// sink notification on this one goroutine.
func (c *Channel) dispatch() {
	defer close(c.evqDone)
	for fn := range c.evq {
		fn()
	}
}

// emit enqueues a sink notification. Enqueueing happens under mu so Stop
// can guarantee no sender is left once it flips stopped.
func (c *Channel) emit(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(fn)
}

// emitLocked enqueues while the caller holds mu. May block when the queue
// is full; the dispatcher never takes mu, so this cannot deadlock.
func (c *Channel) emitLocked(fn func()) {
	if c.stopped {
		return
	}
	c.evq <- fn
}

// SetEvents wires the event sink. Must be called before Start; it exists
// because the sink (the relay coordinator) is usually constructed around
// the channel itself.
func (c *Channel) SetEvents(events Events) {
	if events != nil {
		c.events = events
	}
}

// Start launches the connect/read loop.
func (c *Channel) Start() {
	c.wg.Add(1)
	go c.run()
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// QueueSizes reports the sizes of waiting, inflight and awaiting.
func (c *Channel) QueueSizes() (waiting, inflight, awaiting int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting), len(c.inflight), len(c.awaiting)
}

// run dials the judge, reads verdicts until the connection dies, then
// reconnects after the configured delay. Forever, until Stop.
func (c *Channel) run() {
	defer c.wg.Done()

	for {
		if c.isStopped() {
			return
		}

		c.setStatus(StatusConnecting)
		c.logger.Debugf("OUTPUT: Try to connect to %s", c.addr)

		var dialer net.Dialer
		conn, err := dialer.DialContext(c.ctx, "tcp", c.addr)
		if err != nil {
			if c.isStopped() {
				return
			}
			c.setStatus(classifyError(err))
			if !c.sleep(c.opts.ReconnectDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.setStatus(StatusReady)
		readErr := c.readLoop(conn)
		conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}

		c.logger.Debugf("OUTPUT: Connection closed")
		if readErr == nil || errors.Is(readErr, io.EOF) || errors.Is(readErr, net.ErrClosed) {
			c.setStatus(StatusDisconnected)
		} else {
			c.setStatus(classifyError(readErr))
		}

		if !c.sleep(c.opts.ReconnectDelay) {
			return
		}
	}
}

// sleep waits for d, returning false if the channel was stopped meanwhile.
func (c *Channel) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Channel) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// classifyError maps a socket error to a specific dead status. Every kind
// is logged distinctly but handled uniformly.
func classifyError(err error) Status {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return StatusRefused
	case errors.Is(err, syscall.ECONNRESET):
		return StatusReset
	case errors.Is(err, syscall.EPIPE):
		return StatusBrokenPipe
	case errors.Is(err, syscall.ETIMEDOUT):
		return StatusTimeout
	case errors.Is(err, syscall.EHOSTUNREACH):
		return StatusUnreachable
	default:
		return StatusDisconnected
	}
}

// setStatus swaps the connection status and runs the ready/dead handling
// for the new state.
func (c *Channel) setStatus(status Status) {
	c.mu.Lock()
	if c.stopped || c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.emitLocked(func() { c.events.StatusChanged(status) })
	c.mu.Unlock()

	switch status {
	case StatusReady:
		c.logger.Infof("OUTPUT: Connected")
	case StatusConnecting:
		// quiet, logged at debug by the caller
	case StatusDisconnected:
		c.logger.Infof("OUTPUT: Disconnected")
	case StatusRefused:
		c.logger.Infof("OUTPUT: Refused")
	case StatusReset:
		c.logger.Infof("OUTPUT: Reset")
	case StatusBrokenPipe:
		c.logger.Infof("OUTPUT: Broken pipe")
	case StatusTimeout:
		c.logger.Infof("OUTPUT: Timeout")
	case StatusUnreachable:
		c.logger.Infof("OUTPUT: Host %s unreachable", c.opts.Host)
	default:
		c.logger.Warningf("OUTPUT: Unknown socket status: %s", status)
	}

	switch status {
	case StatusReady:
		c.ready()
	case StatusConnecting, StatusNone:
	default:
		c.dead()
	}
}

// ready kicks off a send pass and, when a batching period is configured,
// the periodic send timer.
func (c *Channel) ready() {
	if c.opts.SendPeriod > 0 {
		c.mu.Lock()
		if !c.stopped && c.ticker == nil {
			c.ticker = time.NewTicker(c.opts.SendPeriod)
			c.tickerDone = make(chan struct{})
			ticker, done := c.ticker, c.tickerDone
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						c.sendPass()
					}
				}
			}()
		}
		c.mu.Unlock()
	}
	c.sendPass()
}

// dead moves everything inflight or awaiting an answer back to the waiting
// queue and cancels the batch timer. Flags are never lost on disconnect;
// duplicate transmission after reconnect is the accepted cost.
func (c *Channel) dead() {
	c.mu.Lock()
	failed := make([]*models.Flag, 0, len(c.awaiting)+len(c.inflight))
	failed = append(failed, c.awaiting...)
	for f := range c.inflight {
		failed = append(failed, f)
	}
	c.awaiting = nil
	c.inflight = make(map[*models.Flag]struct{})
	for _, f := range failed {
		delete(c.members, f.Value)
	}
	c.stopTickerLocked()
	c.mu.Unlock()

	if len(failed) > 0 {
		c.logger.Debugf("OUTPUT: Return %d flags to waiting queue:%s", len(failed), logging.FlagList(failed))
		c.PutInQueue(failed)
	}
}

func (c *Channel) stopTickerLocked() {
	if c.ticker != nil {
		c.ticker.Stop()
		close(c.tickerDone)
		c.ticker = nil
		c.tickerDone = nil
	}
}

// PutInQueue adds flags to the waiting queue, expiring any whose lifetime
// has elapsed or whose submission predates the last forced drop. The queue
// is kept sorted by priority. With no batching period configured, a send
// pass is triggered immediately when the link is up.
func (c *Channel) PutInQueue(flags []*models.Flag) {
	now := time.Now()
	var live, expired []*models.Flag

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	for _, f := range flags {
		if f == nil {
			continue
		}
		if _, dup := c.members[f.Value]; dup {
			continue
		}
		if c.expiredLocked(f, now) {
			expired = append(expired, f)
			continue
		}
		c.members[f.Value] = struct{}{}
		live = append(live, f)
	}
	c.waiting = append(c.waiting, live...)
	sortByPriority(c.waiting)
	immediate := c.opts.SendPeriod == 0 && c.status == StatusReady
	c.mu.Unlock()

	if len(expired) > 0 {
		c.markExpired(expired)
	}
	if immediate && len(live) > 0 {
		c.sendPass()
	}
}

// expiredLocked reports whether a flag has aged out or fell behind the
// last forced-drop boundary. Caller holds mu.
func (c *Channel) expiredLocked(f *models.Flag, now time.Time) bool {
	if f.IsExpired() {
		return true
	}
	if c.opts.FlagLifetime > 0 && now.Sub(f.SubmittedAt) > c.opts.FlagLifetime {
		return true
	}
	return f.SubmittedAt.Before(c.dropBoundary)
}

func (c *Channel) markExpired(flags []*models.Flag) {
	for _, f := range flags {
		f.MarkExpired()
	}
	c.emit(func() { c.events.Expired(flags) })
}

// sortByPriority orders the waiting queue: status tier ascending, then
// submission time ascending. Stable so equal flags keep arrival order.
func sortByPriority(flags []*models.Flag) {
	sort.SliceStable(flags, func(i, j int) bool {
		return flags[i].Less(flags[j])
	})
}

// sendPass drains the waiting queue in batches of at most MaxPerSend,
// writing each batch as newline-joined values. Single-flight: concurrent
// triggers collapse into the running pass.
func (c *Channel) sendPass() {
	c.mu.Lock()
	if c.sending || c.stopped || c.status != StatusReady || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.sending = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		batch, expired := c.takeBatchLocked()
		conn := c.conn
		if len(batch) == 0 || conn == nil || c.status != StatusReady {
			// Put back anything we grabbed but cannot write.
			for _, f := range batch {
				delete(c.inflight, f)
				c.waiting = append(c.waiting, f)
			}
			if len(batch) > 0 {
				sortByPriority(c.waiting)
			}
			c.sending = false
			c.mu.Unlock()
			if len(expired) > 0 {
				c.markExpired(expired)
			}
			return
		}
		c.mu.Unlock()

		if len(expired) > 0 {
			c.markExpired(expired)
		}

		values := make([]string, len(batch))
		for i, f := range batch {
			values[i] = f.Value
		}
		if _, err := conn.Write([]byte(strings.Join(values, "\n") + "\n")); err != nil {
			// The batch stays inflight; the close propagates through the
			// read loop and dead() returns it to the waiting queue.
			c.logger.Debugf("OUTPUT: Write of %d flags failed: %v", len(batch), err)
			conn.Close()
			c.mu.Lock()
			c.sending = false
			c.mu.Unlock()
			return
		}

		// Only flags still inflight move on; a concurrent dead() may have
		// already returned some to the waiting queue. The Sent event is
		// enqueued in the same critical section that exposes the batch to
		// the verdict matcher, so it always dispatches before a matching
		// Answered.
		c.mu.Lock()
		sent := make([]*models.Flag, 0, len(batch))
		for _, f := range batch {
			if _, ok := c.inflight[f]; ok {
				delete(c.inflight, f)
				c.awaiting = append(c.awaiting, f)
				sent = append(sent, f)
			}
		}
		if len(sent) > 0 {
			c.emitLocked(func() { c.events.Sent(sent) })
		}
		c.mu.Unlock()
	}
}

// takeBatchLocked pops up to MaxPerSend sendable flags off the waiting
// queue into inflight, separating out any that expired while queued.
// Caller holds mu.
func (c *Channel) takeBatchLocked() (batch, expired []*models.Flag) {
	now := time.Now()
	for len(batch) < c.opts.MaxPerSend && len(c.waiting) > 0 {
		f := c.waiting[0]
		c.waiting = c.waiting[1:]
		if c.expiredLocked(f, now) {
			delete(c.members, f.Value)
			expired = append(expired, f)
			continue
		}
		c.inflight[f] = struct{}{}
		batch = append(batch, f)
	}
	return batch, expired
}

// readLoop consumes judge bytes, splitting them into verdict lines.
// Transport reads are arbitrarily chunked; the partial trailing line is
// carried over between reads.
func (c *Channel) readLoop(conn net.Conn) error {
	buf := make([]byte, 4096)
	var pending string

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			lines := strings.Split(pending+string(buf[:n]), "\n")
			pending = lines[len(lines)-1]
			c.handleLines(lines[:len(lines)-1])
		}
		if err != nil {
			return err
		}
	}
}

// handleLines matches complete verdict lines to the awaiting queue head,
// in strict FIFO order: one line resolves exactly one flag. Greeting lines
// are skipped; lines with nothing awaiting are logged and dropped.
func (c *Channel) handleLines(lines []string) {
	var answered []Answer
	var resend []*models.Flag
	var unmatched []string

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := c.greetings[line]; ok {
			continue
		}
		if len(c.awaiting) == 0 {
			unmatched = append(unmatched, line)
			continue
		}
		flag := c.awaiting[0]
		c.awaiting = c.awaiting[1:]
		delete(c.members, flag.Value)

		answered = append(answered, Answer{Flag: flag, Text: line})
		if _, bad := c.bad[line]; bad {
			resend = append(resend, flag)
		}
	}
	if len(answered) > 0 {
		c.emitLocked(func() { c.events.Answered(answered) })
	}
	c.mu.Unlock()

	for _, line := range unmatched {
		c.logger.Warningf("OUTPUT: Received data not related to any flag: %q", line)
	}
	for _, f := range resend {
		c.scheduleResend(f)
	}
}

// scheduleResend requeues a badly answered flag after the resend delay.
// The requeue is a no-op once the channel is stopped or the flag expired.
func (c *Channel) scheduleResend(flag *models.Flag) {
	c.logger.Debugf("OUTPUT: Bad answer for %s, resend in %s", flag.Value, c.opts.ResendDelay)
	time.AfterFunc(c.opts.ResendDelay, func() {
		c.PutInQueue([]*models.Flag{flag})
	})
}

// DropAll expires everything currently waiting, inflight or awaiting an
// answer, and raises the drop boundary so stragglers submitted before now
// expire on their next enqueue. The channel itself stays usable.
func (c *Channel) DropAll() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.dropBoundary = time.Now()
	dropped := make([]*models.Flag, 0, len(c.waiting)+len(c.inflight)+len(c.awaiting))
	dropped = append(dropped, c.waiting...)
	dropped = append(dropped, c.awaiting...)
	for f := range c.inflight {
		dropped = append(dropped, f)
	}
	c.waiting = nil
	c.awaiting = nil
	c.inflight = make(map[*models.Flag]struct{})
	c.members = make(map[string]struct{})
	c.mu.Unlock()

	if len(dropped) > 0 {
		c.logger.Infof("OUTPUT: Dropped %d flags:%s", len(dropped), logging.FlagList(dropped))
		c.markExpired(dropped)
	}
}

// SweepExpired expires flags that aged out while sitting in the waiting
// queue. Run periodically so stale flags don't linger between send passes.
func (c *Channel) SweepExpired() {
	now := time.Now()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	var keep, expired []*models.Flag
	for _, f := range c.waiting {
		if c.expiredLocked(f, now) {
			delete(c.members, f.Value)
			expired = append(expired, f)
		} else {
			keep = append(keep, f)
		}
	}
	c.waiting = keep
	c.mu.Unlock()

	if len(expired) > 0 {
		c.logger.Infof("OUTPUT: Expired %d flags in waiting queue:%s", len(expired), logging.FlagList(expired))
		c.markExpired(expired)
	}
}

// Stop tears the channel down: no reconnect, late socket callbacks and
// resend timers become no-ops. Events already queued are still dispatched
// before Stop returns, so no decided verdict is dropped on shutdown.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.stopTickerLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	// stopped is set, so no goroutine can enqueue anymore; closing lets
	// the dispatcher drain whatever is buffered and exit.
	close(c.evq)
	<-c.evqDone
}
