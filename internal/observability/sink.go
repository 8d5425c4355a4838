package observability

import (
	"sync"
	"time"
)

// Outcome classifies how a request left the pipeline.
type Outcome string

// Pipeline outcomes.
const (
	OutcomeForwarded          Outcome = "forwarded"
	OutcomeUnauthorized       Outcome = "unauthorized"
	OutcomeRateLimited        Outcome = "rate_limited"
	OutcomeNoRoute            Outcome = "no_route"
	OutcomeBackendError       Outcome = "backend_error"
	OutcomeBackendTimeout     Outcome = "backend_timeout"
	OutcomeBackendUnreachable Outcome = "backend_unreachable"
	OutcomeClientDisconnected Outcome = "client_disconnected"
	OutcomeInternalError      Outcome = "internal_error"
)

// Event is one observability record per completed request. Events are
// append-only: the pipeline constructs one and hands it off, nothing
// mutates it afterwards.
type Event struct {
	RequestID     string
	Method        string
	Path          string
	Route         string
	Identity      string
	Outcome       Outcome
	Status        int
	Latency       time.Duration
	RequestBytes  int64
	ResponseBytes int64

	// Reason carries operator-facing failure detail. It is written to the
	// log only and never reaches a client response.
	Reason string
}

// Sink receives one Event per completed request. Implementations must
// never block the caller; a lost event is acceptable, a delayed response
// is not.
type Sink interface {
	Record(event Event)
	Close() error
}

type asyncSink struct {
	events  chan Event
	stop    chan struct{}
	done    chan struct{}
	logger  Logger
	metrics *Metrics

	closeOnce sync.Once
	dropOnce  sync.Once
}

// SinkOption is a functional option for configuring the sink.
type SinkOption func(*asyncSink)

// WithSinkBuffer sets the event buffer size.
func WithSinkBuffer(size int) SinkOption {
	return func(s *asyncSink) {
		if size > 0 {
			s.events = make(chan Event, size)
		}
	}
}

const defaultSinkBuffer = 1024

// NewSink creates the production sink: events are buffered on a bounded
// channel and drained by a single goroutine that writes the structured
// access log line and updates the request metrics. When the buffer is
// full the event is dropped and counted.
func NewSink(logger Logger, metrics *Metrics, opts ...SinkOption) Sink {
	if logger == nil {
		logger = NopLogger()
	}

	s := &asyncSink{
		events:  make(chan Event, defaultSinkBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.drain()

	return s
}

// Record implements Sink. It never blocks: a full buffer drops the event,
// increments the drop counter, and warns once.
func (s *asyncSink) Record(event Event) {
	select {
	case <-s.stop:
		return
	default:
	}

	select {
	case s.events <- event:
	default:
		if s.metrics != nil {
			s.metrics.RecordSinkDrop()
		}
		s.dropOnce.Do(func() {
			s.logger.Warn("observability sink buffer full, dropping events",
				Int("buffer", cap(s.events)),
			)
		})
	}
}

// Close stops the drain goroutine after flushing buffered events.
func (s *asyncSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
	return nil
}

func (s *asyncSink) drain() {
	defer close(s.done)

	for {
		select {
		case event := <-s.events:
			s.write(event)
		case <-s.stop:
			// Flush whatever is already buffered, then exit.
			for {
				select {
				case event := <-s.events:
					s.write(event)
				default:
					return
				}
			}
		}
	}
}

func (s *asyncSink) write(event Event) {
	if s.metrics != nil {
		s.metrics.RecordRequest(
			event.Method, event.Route,
			event.Outcome, event.Status,
			event.Latency,
			event.RequestBytes, event.ResponseBytes,
		)
	}

	fields := []Field{
		String("request_id", event.RequestID),
		String("method", event.Method),
		String("path", event.Path),
		String("route", event.Route),
		String("identity", event.Identity),
		String("outcome", string(event.Outcome)),
		Int("status", event.Status),
		Duration("latency", event.Latency),
		Int64("request_bytes", event.RequestBytes),
		Int64("response_bytes", event.ResponseBytes),
	}
	if event.Reason != "" {
		fields = append(fields, String("reason", event.Reason))
	}

	switch event.Outcome {
	case OutcomeForwarded, OutcomeBackendError:
		s.logger.Info("request completed", fields...)
	case OutcomeBackendTimeout, OutcomeBackendUnreachable, OutcomeInternalError:
		s.logger.Error("request completed", fields...)
	default:
		s.logger.Warn("request completed", fields...)
	}
}

type nopSink struct{}

// NopSink returns a sink that discards all events.
func NopSink() Sink {
	return nopSink{}
}

func (nopSink) Record(Event) {}
func (nopSink) Close() error { return nil }
