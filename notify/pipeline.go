package notify

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"prism-sync/protocol"
)

// Sink is the durable append-only condition log.
type Sink interface {
	Append(ctx context.Context, c Condition) error
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Notifier delivers encoded frames to live connections.
type Notifier interface {
	Notify(connID string, msg []byte) bool
	NotifyAll(msg []byte) int
}

type Options struct {
	Logger      *log.Logger
	Clock       clock.Clock
	Sink        Sink
	RingSize    int
	Retention   time.Duration
	DedupWindow time.Duration
	// Registerer receives the conditions counter; nil skips registration.
	Registerer prometheus.Registerer
	// History seeds the ring, oldest first.
	History []Condition
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	logger    *log.Logger
	clock     clock.Clock
	sink      Sink
	retention time.Duration
	dedup     *expirable.LRU[string, struct{}]
	counter   *prometheus.CounterVec

	notifierMu sync.RWMutex
	notifier   Notifier

	mu   sync.Mutex
	ring []Condition
	head int
	size int
}

func NewPipeline(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RingSize <= 0 {
		opts.RingSize = 1000
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = time.Nanosecond
	}
	p := &Pipeline{
		logger:    opts.Logger,
		clock:     opts.Clock,
		sink:      opts.Sink,
		retention: opts.Retention,
		dedup:     expirable.NewLRU[string, struct{}](4096, nil, window),
		ring:      make([]Condition, opts.RingSize),
		counter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_sync_conditions_total",
			Help: "Conditions raised, by code and whether the notification was suppressed.",
		}, []string{"code", "severity", "suppressed"}),
	}
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(p.counter); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				p.counter = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}
	for _, c := range opts.History {
		p.pushLocked(c)
	}
	return p
}

// SetNotifier wires the connection hub once it exists.
func (p *Pipeline) SetNotifier(n Notifier) {
	p.notifierMu.Lock()
	p.notifier = n
	p.notifierMu.Unlock()
}

func (p *Pipeline) currentNotifier() Notifier {
	p.notifierMu.RLock()
	defer p.notifierMu.RUnlock()
	return p.notifier
}

func (p *Pipeline) pushLocked(c Condition) {
	p.ring[p.head] = c
	p.head = (p.head + 1) % len(p.ring)
	if p.size < len(p.ring) {
		p.size++
	}
}

func dedupKey(c Condition, target Target) string {
	scope := "*"
	switch {
	case target.ConnID != "":
		scope = "conn:" + target.ConnID
	case target.Pseudo != "":
		scope = "pseudo:" + target.Pseudo
	}
	return string(c.Code) + "|" + c.UserMessage + "|" + scope
}

// Raise records a condition and, when it is user visible and has a target,
// pushes a system-error frame to it. Identical code and message for the same
// target within the dedup window are recorded but not re-sent.
func (p *Pipeline) Raise(ctx context.Context, code Code, target Target, fields map[string]any) Condition {
	kind, known := Lookup(code)
	if !known {
		if fields == nil {
			fields = map[string]any{}
		}
		fields["unknownCode"] = string(code)
	}
	c := Condition{
		ID:               uuid.NewString(),
		Code:             kind.Code,
		Category:         kind.Category,
		Severity:         kind.Severity,
		UserVisible:      kind.UserVisible,
		UserMessage:      kind.UserMessage,
		TechnicalMessage: kind.TechnicalMessage,
		ConnID:           target.ConnID,
		Pseudo:           target.Pseudo,
		Context:          fields,
		Timestamp:        p.clock.Now().UnixMilli(),
	}
	if c.Severity == SeverityCritical {
		c.Stack = string(debug.Stack())
	}

	deliver := c.UserVisible && (target.ConnID != "" || target.Broadcast)
	p.mu.Lock()
	if deliver {
		key := dedupKey(c, target)
		if _, seen := p.dedup.Get(key); seen {
			c.Suppressed = true
			deliver = false
		} else {
			p.dedup.Add(key, struct{}{})
		}
	}
	p.pushLocked(c)
	p.mu.Unlock()

	if p.sink != nil {
		if err := p.sink.Append(ctx, c); err != nil {
			p.logger.WithError(err).WithField("condition", c.ID).Warn("condition sink append failed")
		}
	}
	p.log(c)
	p.counter.WithLabelValues(string(c.Code), string(c.Severity), boolLabel(c.Suppressed)).Inc()

	if deliver {
		p.deliver(c, target)
	}
	return c
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (p *Pipeline) log(c Condition) {
	entry := p.logger.WithFields(log.Fields{
		"condition": c.ID,
		"code":      c.Code,
		"category":  c.Category,
		"severity":  c.Severity,
	})
	if c.ConnID != "" {
		entry = entry.WithField("conn", c.ConnID)
	}
	if c.Pseudo != "" {
		entry = entry.WithField("pseudo", c.Pseudo)
	}
	for k, v := range c.Context {
		entry = entry.WithField("ctx."+k, v)
	}
	if c.Suppressed {
		entry.Debug(c.TechnicalMessage)
		return
	}
	switch c.Severity {
	case SeverityLow:
		entry.Info(c.TechnicalMessage)
	case SeverityMedium:
		entry.Warn(c.TechnicalMessage)
	case SeverityCritical:
		entry.WithField("stack", c.Stack).Error(c.TechnicalMessage)
	default:
		entry.Error(c.TechnicalMessage)
	}
}

func (p *Pipeline) deliver(c Condition, target Target) {
	n := p.currentNotifier()
	if n == nil {
		return
	}
	msg, err := protocol.Encode(protocol.TypeSystemError, protocol.SystemError{
		ID:        c.ID,
		Code:      string(c.Code),
		Message:   c.UserMessage,
		Severity:  string(c.Severity),
		Category:  string(c.Category),
		Timestamp: c.Timestamp,
	})
	if err != nil {
		p.logger.WithError(err).Error("encode system-error")
		return
	}
	if target.ConnID != "" {
		n.Notify(target.ConnID, msg)
		return
	}
	n.NotifyAll(msg)
}

// Recent returns up to n of the newest conditions, newest last.
func (p *Pipeline) Recent(n int) []Condition {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 || n > p.size {
		n = p.size
	}
	out := make([]Condition, 0, n)
	start := (p.head - n + len(p.ring)) % len(p.ring)
	for i := 0; i < n; i++ {
		out = append(out, p.ring[(start+i)%len(p.ring)])
	}
	return out
}

// Stats summarises the ring.
type Stats struct {
	Total      int              `json:"total"`
	LastHour   int              `json:"lastHour"`
	LastDay    int              `json:"lastDay"`
	ByCategory map[Category]int `json:"byCategory"`
	BySeverity map[Severity]int `json:"bySeverity"`
}

func (p *Pipeline) Stats() Stats {
	now := p.clock.Now()
	hour := now.Add(-time.Hour).UnixMilli()
	day := now.Add(-24 * time.Hour).UnixMilli()

	s := Stats{ByCategory: map[Category]int{}, BySeverity: map[Severity]int{}}
	for _, c := range p.Recent(0) {
		s.Total++
		if c.Timestamp > hour {
			s.LastHour++
		}
		if c.Timestamp > day {
			s.LastDay++
			s.ByCategory[c.Category]++
			s.BySeverity[c.Severity]++
		}
	}
	return s
}

// Prune drops ring entries and sink segments older than the retention
// horizon.
func (p *Pipeline) Prune(ctx context.Context) (int, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	horizon := p.clock.Now().Add(-p.retention)
	cutoff := horizon.UnixMilli()

	p.mu.Lock()
	kept := make([]Condition, 0, p.size)
	start := (p.head - p.size + len(p.ring)) % len(p.ring)
	for i := 0; i < p.size; i++ {
		c := p.ring[(start+i)%len(p.ring)]
		if c.Timestamp >= cutoff {
			kept = append(kept, c)
		}
	}
	dropped := p.size - len(kept)
	for i := range p.ring {
		p.ring[i] = Condition{}
	}
	p.head, p.size = 0, 0
	for _, c := range kept {
		p.pushLocked(c)
	}
	p.mu.Unlock()

	if p.sink == nil {
		return dropped, nil
	}
	n, err := p.sink.Prune(ctx, horizon)
	if err != nil {
		return dropped, err
	}
	p.logger.WithFields(log.Fields{"ring_dropped": dropped, "sink_dropped": n}).Info("conditions pruned")
	return dropped, nil
}

// Run prunes every interval until ctx is done.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Prune(ctx); err != nil {
				p.logger.WithError(err).Warn("condition maintenance failed")
			}
		}
	}
}

// Close closes the sink.
func (p *Pipeline) Close() error {
	if p.sink == nil {
		return nil
	}
	return p.sink.Close()
}
