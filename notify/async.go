package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	errSinkBusy   = errors.New("condition sink busy")
	errSinkClosed = errors.New("condition sink closed")
)

type AsyncConfig struct {
	Workers int
	Buffer  int
	// Timeout bounds one Append on the wrapped sink.
	Timeout time.Duration
	// Handoff is how long Append waits for buffer space before giving up.
	Handoff time.Duration
	Logger  *log.Logger
}

// AsyncSink hands appends to a fixed pool of workers so a slow remote sink
// never holds up the connection that raised the condition.
type AsyncSink struct {
	sink Sink
	cfg  AsyncConfig
	jobs chan Condition
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsyncSink(sink Sink, cfg AsyncConfig) *AsyncSink {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	s := &AsyncSink{sink: sink, cfg: cfg, jobs: make(chan Condition, cfg.Buffer)}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	cfg.Logger.Infof("condition sink started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.Handoff)
	return s
}

func (s *AsyncSink) worker(id int) {
	defer s.wg.Done()
	for c := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		err := s.sink.Append(ctx, c)
		cancel()
		if err != nil {
			s.cfg.Logger.Errorf("condition append failed, err: %v, condition: %s, worker: %d", err, c.ID, id)
		}
	}
}

// Append queues c. It returns errSinkBusy when the buffer stays full for
// longer than the handoff timeout.
func (s *AsyncSink) Append(_ context.Context, c Condition) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errSinkClosed
	}

	select {
	case s.jobs <- c:
		return nil
	default:
	}
	if s.cfg.Handoff <= 0 {
		return errSinkBusy
	}
	timer := time.NewTimer(s.cfg.Handoff)
	defer timer.Stop()
	select {
	case s.jobs <- c:
		return nil
	case <-timer.C:
		return errSinkBusy
	}
}

func (s *AsyncSink) Prune(ctx context.Context, before time.Time) (int, error) {
	return s.sink.Prune(ctx, before)
}

// Close stops accepting appends, waits for queued ones and closes the
// wrapped sink.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
	return s.sink.Close()
}
