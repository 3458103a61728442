package core

import (
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrSequencerStopped is returned for submissions made after Run returned.
var ErrSequencerStopped = errors.New("sequencer stopped")

type request struct {
	evt      event.Event
	source   string
	received time.Time
	fn       func(*DeterministicCore)
	reply    chan reply
}

type reply struct {
	result *Result
	err    error
}

// Sequencer serializes every ingestion source onto the one goroutine that
// owns the core. Transports call Submit; readers needing live state call Do.
type Sequencer struct {
	core    *DeterministicCore
	in      chan request
	done    chan struct{}
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewSequencer(core *DeterministicCore, buffer int, logger zerolog.Logger, metrics *observability.Metrics) *Sequencer {
	return &Sequencer{
		core:    core,
		in:      make(chan request, buffer),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Run applies requests in arrival order until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int64("next_sequence", s.core.GetSequence()).Msg("sequencer stopped")
			return
		case req := <-s.in:
			if s.metrics != nil {
				s.metrics.SetChannelMetrics("submit", len(s.in), cap(s.in))
			}
			if req.fn != nil {
				req.fn(s.core)
				req.reply <- reply{}
				continue
			}

			res, err := s.core.ProcessEvent(req.evt)
			if err != nil {
				s.logger.Debug().
					Err(err).
					Str("event_type", req.evt.EventType().String()).
					Str("key", req.evt.IdempotencyKey()).
					Str("source", req.source).
					Msg("event rejected")
			} else if s.metrics != nil && !res.Duplicate {
				s.metrics.SubmitToApply.WithLabelValues(req.source).Observe(time.Since(req.received).Seconds())
			}
			req.reply <- reply{result: res, err: err}
		}
	}
}

// Submit queues evt and waits for its outcome.
func (s *Sequencer) Submit(ctx context.Context, evt event.Event, source string) (*Result, error) {
	r, err := s.roundTrip(ctx, request{evt: evt, source: source, received: time.Now()})
	if err != nil {
		return nil, err
	}
	return r.result, r.err
}

// Do runs fn on the core goroutine, between events.
func (s *Sequencer) Do(ctx context.Context, fn func(*DeterministicCore)) error {
	_, err := s.roundTrip(ctx, request{fn: fn})
	return err
}

func (s *Sequencer) roundTrip(ctx context.Context, req request) (reply, error) {
	req.reply = make(chan reply, 1)
	select {
	case s.in <- req:
	case <-s.done:
		return reply{}, ErrSequencerStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	// Once queued the request will be applied; waiting is only abandoned.
	select {
	case r := <-req.reply:
		return r, nil
	case <-s.done:
		select {
		case r := <-req.reply:
			return r, nil
		default:
			return reply{}, ErrSequencerStopped
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}
