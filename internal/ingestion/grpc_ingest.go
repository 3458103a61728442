package ingestion

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/event"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotInstruction is returned when a client transport submits a custody
// feed event. Only the custody stream may move funds across the boundary.
var ErrNotInstruction = errors.New("not a signed instruction")

// ErrStaleInstruction is returned when a signed timestamp is too far from
// the wall clock to accept.
var ErrStaleInstruction = errors.New("instruction timestamp outside accepted window")

// Submitter hands a typed event to the core and waits for the outcome.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event, source string) (*core.Result, error)
}

// Ingestor turns wire payloads from every transport into core submissions.
type Ingestor struct {
	sub    Submitter
	logger zerolog.Logger
	maxAge time.Duration
	now    func() time.Time
	acks   *ackTracker
}

func NewIngestor(sub Submitter, logger zerolog.Logger) *Ingestor {
	return &Ingestor{sub: sub, logger: logger, now: time.Now}
}

// WithMaxAge bounds how far a signed instruction's timestamp may be from now,
// in either direction. Rejected instructions are not logged and their request
// IDs stay unused, so the window is the lifetime of a signature. Zero accepts
// any timestamp. Log replay does not pass through the Ingestor.
func (in *Ingestor) WithMaxAge(d time.Duration) *Ingestor {
	in.maxAge = d
	return in
}

// WithDurableAck defers the NATS ack of every applied message until Committed
// reports its sequence. Without it a message is acked once the core applies it.
func (in *Ingestor) WithDurableAck() *Ingestor {
	in.acks = newAckTracker()
	return in
}

// Committed marks core sequence seq durable in the event log. It is the
// persistence worker's commit hook and may run on any goroutine.
func (in *Ingestor) Committed(seq int64) {
	if in.acks != nil {
		in.acks.committed(seq)
	}
}

// PendingAcks is the number of applied messages waiting on a commit.
func (in *Ingestor) PendingAcks() int {
	if in.acks == nil {
		return 0
	}
	return in.acks.waiting()
}

func (in *Ingestor) checkFresh(evt event.Event) error {
	if in.maxAge <= 0 {
		return nil
	}
	if _, ok := evt.(event.Instruction); !ok {
		return nil
	}
	skew := in.now().Sub(evt.EventTime())
	if skew > in.maxAge || skew < -in.maxAge {
		return fmt.Errorf("%w: %s %s is %s from now", ErrStaleInstruction, evt.EventType(), evt.IdempotencyKey(), skew.Round(time.Second))
	}
	return nil
}

// SubmitInstruction parses a signed instruction of eventType and submits it.
// Used by the gRPC and HTTP surfaces.
func (in *Ingestor) SubmitInstruction(ctx context.Context, eventType string, data []byte, source string) (*core.Result, error) {
	evt, err := ParseEvent(eventType, data)
	if err != nil {
		return nil, err
	}
	if _, ok := evt.(event.Instruction); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInstruction, eventType)
	}
	if err := in.checkFresh(evt); err != nil {
		return nil, err
	}
	return in.sub.Submit(ctx, evt, source)
}

// Run drains raw NATS messages until ctx is cancelled. A message is acked
// once the core has decided it (or, with WithDurableAck, once an applied
// event is committed), and nacked when a retry may succeed.
func (in *Ingestor) Run(ctx context.Context, raws <-chan RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-raws:
			in.handle(ctx, raw)
		}
	}
}

func (in *Ingestor) handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		in.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		ack(raw)
		return
	}
	if err := in.checkFresh(evt); err != nil {
		in.logger.Info().Err(err).Str("subject", raw.Subject).Msg("dropping stale instruction")
		ack(raw)
		return
	}

	res, err := in.sub.Submit(ctx, evt, "nats")
	switch {
	case err == nil && in.acks != nil:
		if res.Duplicate {
			in.logger.Debug().Str("key", evt.IdempotencyKey()).Msg("duplicate message")
			in.acks.afterApplied(func() { ack(raw) })
			return
		}
		in.acks.after(res.Sequence, func() { ack(raw) })
	case err == nil:
		if res.Duplicate {
			in.logger.Debug().Str("key", evt.IdempotencyKey()).Msg("duplicate message")
		}
		ack(raw)
	case Redeliverable(err):
		in.logger.Warn().Err(err).Str("key", evt.IdempotencyKey()).Msg("nack for redelivery")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	default:
		in.logger.Info().Err(err).
			Str("event_type", raw.EventType).
			Str("key", evt.IdempotencyKey()).
			Msg("event rejected")
		ack(raw)
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

// Redeliverable reports whether err is transient, so the same message may
// apply later. Business rejections are final.
func Redeliverable(err error) bool {
	return errors.Is(err, core.ErrSequenceGap) ||
		errors.Is(err, core.ErrDedupUnavailable) ||
		errors.Is(err, core.ErrSequencerStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
