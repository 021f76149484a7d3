// Package relay coordinates flag intake with the delivery engine: it
// deduplicates submissions against the store, drives new flags into the
// output queue, persists every lifecycle transition the channel reports,
// and exposes the administrative operations.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/flagyard/internal/logging"
	"github.com/zulandar/flagyard/internal/models"
	"github.com/zulandar/flagyard/internal/output"
	"github.com/zulandar/flagyard/internal/store"
)

// Store is the persistence surface the coordinator consumes.
type Store interface {
	FindByValues(values []string) ([]*models.Flag, error)
	InsertMany(flags []*models.Flag) error
	BulkUpdate(flags []*models.Flag, fields []string) error
	Unanswered() ([]*models.Flag, error)
	Statistics() (*store.Statistics, error)
	RecentN(n int) ([]*models.Flag, error)
	Close() error
}

// Queue is the slice of the output channel the coordinator drives.
type Queue interface {
	PutInQueue(flags []*models.Flag)
	DropAll()
	SweepExpired()
	Status() output.Status
}

// FlagUpdate is the published view of one flag's state.
type FlagUpdate struct {
	Value   string `json:"value"`
	Status  string `json:"status"`
	Answer  string `json:"answer,omitempty"`
	Expired bool   `json:"expired,omitempty"`
}

// Update is one lifecycle notification for status listeners.
type Update struct {
	Event  string            `json:"event"` // "new", "sent", "answered", "expired", "status", "digest"
	Status string            `json:"status,omitempty"`
	Flags  []FlagUpdate      `json:"flags,omitempty"`
	Digest *store.Statistics `json:"digest,omitempty"`
}

// Publisher receives lifecycle updates. Implementations must not block;
// delivery is best-effort.
type Publisher interface {
	Publish(update Update)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Update) {}

// Options configures a Coordinator.
type Options struct {
	Store      Store
	Queue      Queue
	Logger     *logging.Logger
	Publisher  Publisher
	BadAnswers []string
	SweepCron  string // 5-field cron for the waiting-queue expiry sweep
	DigestCron string // 5-field cron for the statistics digest, empty disables
}

// Coordinator is the intake state machine. Create with New, wire as the
// channel's Events sink, then Start. The Events handlers all run on the
// channel's single dispatch goroutine, in event order, which is what
// keeps flag state transitions and their persists serialized: a flag's
// SENT update can never land after its verdict's.
type Coordinator struct {
	store  Store
	queue  Queue
	logger *logging.Logger
	pub    Publisher
	bad    map[string]struct{}
	cron   *cron.Cron

	// wg tracks every asynchronous side effect so Stop can drain them
	// before closing the store.
	wg sync.WaitGroup
}

// New creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("relay: queue is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}

	bad := make(map[string]struct{}, len(opts.BadAnswers))
	for _, a := range opts.BadAnswers {
		bad[a] = struct{}{}
	}

	c := &Coordinator{
		store:  opts.Store,
		queue:  opts.Queue,
		logger: opts.Logger,
		pub:    opts.Publisher,
		bad:    bad,
	}

	if opts.SweepCron != "" || opts.DigestCron != "" {
		c.cron = cron.New()
	}
	if opts.SweepCron != "" {
		if _, err := c.cron.AddFunc(opts.SweepCron, c.queue.SweepExpired); err != nil {
			return nil, fmt.Errorf("relay: expiry sweep cron %q: %w", opts.SweepCron, err)
		}
	}
	if opts.DigestCron != "" {
		if _, err := c.cron.AddFunc(opts.DigestCron, c.publishDigest); err != nil {
			return nil, fmt.Errorf("relay: digest cron %q: %w", opts.DigestCron, err)
		}
	}

	return c, nil
}

// publishDigest pushes a statistics snapshot to the status sinks.
func (c *Coordinator) publishDigest() {
	stats, err := c.store.Statistics()
	if err != nil {
		c.logger.Errorf("Digest statistics: %v", err)
		return
	}
	c.pub.Publish(Update{Event: "digest", Status: string(c.queue.Status()), Digest: stats})
}

// Start replays every non-terminal flag from the store into the queue and
// starts the scheduled jobs. The store is the single source of truth for
// what was ever accepted from a submitter, so this is the whole crash
// recovery story.
func (c *Coordinator) Start() error {
	flags, err := c.store.Unanswered()
	if err != nil {
		return fmt.Errorf("relay: restore queue: %w", err)
	}
	if len(flags) > 0 {
		c.logger.Debugf("Restore %d unfinished flags from the store:%s", len(flags), logging.FlagList(flags))
		c.queue.PutInQueue(flags)
	}
	if c.cron != nil {
		c.cron.Start()
	}
	return nil
}

// ProcessNewFlags deduplicates raw flag values against the store, persists
// and enqueues the new ones, and echoes the current state of known ones
// back to the submitter. The sender handle may be nil.
func (c *Coordinator) ProcessNewFlags(values []string, sender models.Replier) error {
	if len(values) == 0 {
		return nil
	}

	stored, err := c.store.FindByValues(values)
	if err != nil {
		// Degrade to treating everything as new; the unique index still
		// guards against duplicate records.
		c.logger.Errorf("Flag lookup failed: %v", err)
	}
	known := make(map[string]*models.Flag, len(stored))
	for _, f := range stored {
		known[f.Value] = f
	}

	seen := make(map[string]struct{}, len(values))
	var newFlags []*models.Flag
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}

		if f, ok := known[v]; ok {
			f.AttachSender(sender)
			c.echoKnown(f)
			continue
		}
		newFlags = append(newFlags, models.NewFlag(v, sender))
	}

	if len(newFlags) == 0 {
		return nil
	}

	if err := c.store.InsertMany(newFlags); err != nil {
		// Delivery beats durability here: still queue the flags.
		c.logger.Errorf("Flag insertion failed: %v", err)
	}
	// Snapshot before the flags are handed to the channel, which may
	// start mutating them immediately.
	updates := snapshot(newFlags)
	c.queue.PutInQueue(newFlags)
	c.publishUpdates("new", updates)
	return nil
}

// echoKnown tells a submitter about a duplicate flag's current state.
func (c *Coordinator) echoKnown(f *models.Flag) {
	msg := fmt.Sprintf("Flagyard: %s already in DB with status: '%s'", f.Value, f.Status)
	if f.Answer != "" {
		msg += fmt.Sprintf(", answer: '%s'", f.Answer)
	} else if f.Expired {
		msg += ", expired"
	}
	c.logger.Debugf("Duplicate flag: %s", f.Value)
	c.async(func() { f.ReplyTo(msg) })
}

// Sent implements output.Events: flags whose batch was written move from
// UNSENT to SENT; only the status field is persisted. The transition is a
// compare-and-set, so a flag that already carries a verdict is left alone.
func (c *Coordinator) Sent(flags []*models.Flag) {
	var changed []*models.Flag
	for _, f := range flags {
		if f.MarkSent() {
			changed = append(changed, f)
		}
	}
	if len(changed) == 0 {
		return
	}
	if err := c.store.BulkUpdate(changed, []string{"status"}); err != nil {
		c.logger.Errorf("Persist sent flags: %v", err)
	}
	c.publish("sent", changed)
}

// Answered implements output.Events: verdicts are classified terminal or
// bad, persisted (status and answer only, grouped to minimize writes), and
// echoed to the submitting connection when it is still around.
func (c *Coordinator) Answered(answers []output.Answer) {
	flags := make([]*models.Flag, 0, len(answers))
	for _, a := range answers {
		f := a.Flag
		_, bad := c.bad[a.Text]
		f.SetVerdict(a.Text, bad)
		flags = append(flags, f)

		c.logger.Infof("Answer: %s %s", f.Value, a.Text)
		msg := fmt.Sprintf("Answer: %s %s", f.Value, a.Text)
		c.async(func() { f.ReplyTo(msg) })
	}

	if err := c.store.BulkUpdate(flags, []string{"status", "answer"}); err != nil {
		c.logger.Errorf("Persist answered flags: %v", err)
	}
	c.publish("answered", flags)
}

// Expired implements output.Events: only the expired field is persisted.
func (c *Coordinator) Expired(flags []*models.Flag) {
	if err := c.store.BulkUpdate(flags, []string{"expired"}); err != nil {
		c.logger.Errorf("Persist expired flags: %v", err)
	}
	c.logger.Infof("Expired %d flags:%s", len(flags), logging.FlagList(flags))
	c.publish("expired", flags)
}

// StatusChanged implements output.Events.
func (c *Coordinator) StatusChanged(status output.Status) {
	c.async(func() {
		c.pub.Publish(Update{Event: "status", Status: string(status)})
	})
}

// snapshot captures the published view of a flag batch on the calling
// goroutine, through the flags' own locks.
func snapshot(flags []*models.Flag) []FlagUpdate {
	updates := make([]FlagUpdate, len(flags))
	for i, f := range flags {
		status, answer, expired := f.State()
		updates[i] = FlagUpdate{Value: f.Value, Status: status, Answer: answer, Expired: expired}
	}
	return updates
}

// publish fans a flag batch out to status listeners, off the event path.
func (c *Coordinator) publish(event string, flags []*models.Flag) {
	c.publishUpdates(event, snapshot(flags))
}

func (c *Coordinator) publishUpdates(event string, updates []FlagUpdate) {
	c.async(func() {
		c.pub.Publish(Update{Event: event, Flags: updates})
	})
}

// async runs fn tracked by the shutdown join point.
func (c *Coordinator) async(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// ChannelStatus reports the output connection status.
func (c *Coordinator) ChannelStatus() output.Status {
	return c.queue.Status()
}

// Statistics returns aggregate store counts.
func (c *Coordinator) Statistics() (*store.Statistics, error) {
	return c.store.Statistics()
}

// Recent returns the last n flag records, newest first.
func (c *Coordinator) Recent(n int) ([]*models.Flag, error) {
	return c.store.RecentN(n)
}

// DropAll expires everything currently in flight in the channel.
func (c *Coordinator) DropAll() {
	c.logger.Warningf("Dropping all queued flags")
	c.queue.DropAll()
}

// Stop waits for all tracked side effects to finish (bounded by ctx), then
// closes the store. Guarantees no decided status update is silently lost.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cron != nil {
		c.cron.Stop()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warningf("Shutdown: pending operations abandoned: %v", ctx.Err())
	}

	return c.store.Close()
}
