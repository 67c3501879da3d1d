// Package consumer drives subscribe -> receive -> enrich -> index -> acknowledge.
//
// Each delivery is handled in two phases. Phase one (process) parses,
// enriches and writes the document to the sink; its failures are logged and
// recorded in the Outcome. Phase two (acknowledge) always runs afterwards, so
// a message whose index write failed is still acknowledged and will not be
// redelivered.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/valyala/fastjson"

	"logshipper/internal/broker"
	"logshipper/internal/data"
	"logshipper/internal/logging"
)

// ErrInvalidMessage marks a delivery whose body is not valid JSON.
var ErrInvalidMessage = errors.New("message is not valid JSON")

// Sink stores index documents.
type Sink interface {
	Write(ctx context.Context, doc data.IndexDocument) error
}

// State is the consumer lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateDeclaring
	StateConsuming
	StateAcked
	StateDropped
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateDeclaring:
		return "declaring"
	case StateConsuming:
		return "consuming"
	case StateAcked:
		return "acked"
	case StateDropped:
		return "dropped"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config wires a Pipeline.
type Config struct {
	Dial       broker.Dialer
	Retry      broker.RetryPolicy
	Queue      string
	Sink       Sink
	Enrichment data.Enrichment

	// Now stamps documents; defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Outcome records what happened to one delivery.
type Outcome struct {
	Indexed    bool
	ProcessErr error // phase one failure, already logged
	AckErr     error // phase two failure, already logged
}

// Stats summarises a run.
type Stats struct {
	Received      int
	Indexed       int
	IndexFailures int
	Invalid       int
	Acked         int
}

// Pipeline is one consumer run. It owns its broker connection.
type Pipeline struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	state atomic.Int32
	stats Stats
}

// New creates a Pipeline in StateIdle.
func New(cfg Config) *Pipeline {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		cfg:    cfg,
		now:    now,
		logger: logging.Default(cfg.Logger).With("component", "consumer", "session_id", cfg.Enrichment.SessionID),
	}
}

// State returns the current lifecycle state. Safe for concurrent use.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	if old := State(p.state.Swap(int32(s))); old != s {
		p.logger.Debug("state change", "from", old, "to", s)
	}
}

// Run connects, declares and subscribes to the queue, then handles deliveries
// one at a time until ctx is cancelled (nil error, StateShutdown) or the
// connection drops (error wrapping broker.ErrConnectionDropped, StateDropped).
// A connection that cannot be established returns broker.ErrRetriesExhausted.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	conn, err := broker.Connect(ctx, p.cfg.Dial, p.cfg.Retry, p.cfg.Logger)
	if err != nil {
		return p.stats, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close broker connection", "error", err)
		}
	}()
	p.setState(StateConnected)

	p.setState(StateDeclaring)
	if err := conn.DeclareQueue(ctx, p.cfg.Queue); err != nil {
		p.setState(StateDropped)
		return p.stats, err
	}
	sub, err := conn.Subscribe(ctx, p.cfg.Queue)
	if err != nil {
		p.setState(StateDropped)
		return p.stats, err
	}

	p.setState(StateConsuming)
	p.logger.Info("waiting for messages", "queue", p.cfg.Queue)

	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				p.setState(StateShutdown)
				p.logger.Info("consumer stopping", "received", p.stats.Received, "acked", p.stats.Acked)
				return p.stats, nil
			}
			p.setState(StateDropped)
			p.logger.Error("connection dropped while consuming", "error", err)
			return p.stats, err
		}

		p.Handle(ctx, d)
		p.setState(StateConsuming)
	}
}

// Handle runs both phases for one delivery. The in-flight message is
// finished even if ctx is cancelled meanwhile.
func (p *Pipeline) Handle(ctx context.Context, d *broker.Delivery) Outcome {
	ctx = context.WithoutCancel(ctx)
	p.stats.Received++

	out := p.process(ctx, d)
	out.AckErr = p.acknowledge(d)
	return out
}

// process is phase one: parse, enrich and index. Failures are logged and
// reported in the Outcome.
func (p *Pipeline) process(ctx context.Context, d *broker.Delivery) Outcome {
	if err := fastjson.ValidateBytes(d.Body); err != nil {
		p.stats.Invalid++
		p.logger.Error("discarding message that is not valid JSON", "id", d.ID, "error", err)
		return Outcome{ProcessErr: fmt.Errorf("%w: %v", ErrInvalidMessage, err)}
	}
	p.logger.Info("received message", "id", d.ID, "redelivered", d.Redelivered, "message", string(d.Body))

	doc := data.NewIndexDocument(data.QueueMessage(d.Body), p.cfg.Enrichment, p.now())
	if err := p.cfg.Sink.Write(ctx, doc); err != nil {
		p.stats.IndexFailures++
		p.logger.Error("document not indexed, acknowledging anyway", "id", d.ID, "error", err)
		return Outcome{ProcessErr: err}
	}
	p.stats.Indexed++
	return Outcome{Indexed: true}
}

// acknowledge is phase two and runs regardless of phase one's result.
func (p *Pipeline) acknowledge(d *broker.Delivery) error {
	if err := d.Ack(); err != nil {
		p.logger.Error("failed to acknowledge message", "id", d.ID, "error", err)
		return err
	}
	p.stats.Acked++
	p.setState(StateAcked)
	return nil
}
