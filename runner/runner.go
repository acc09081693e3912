package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-ai-reply/config"
	"github.com/dhcgn/imap-ai-reply/model"
	"github.com/dhcgn/imap-ai-reply/state"
	"github.com/dhcgn/imap-ai-reply/stats"
)

type StageFunc func(context.Context) error

// Runner wires the intake stage to the responder stage and owns the
// event stream. Messages flow strictly in intake order; a failed stage
// cancels the whole run, a failed message only emits an event.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	process  chan model.Message
	events   chan stats.Event

	tracker *state.Tracker

	subMu       sync.Mutex
	subscribers []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeProcessOnce sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(cfg config.Config, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		process:  make(chan model.Message, 32),
		events:   make(chan stats.Event, 128),
		tracker:  state.NewTracker(),
	}

	r.AddStage("bridge", r.bridge)
	go r.broadcast()
	return r
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

func (r *Runner) Process() <-chan model.Message {
	return r.process
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats registers an event consumer. Every subscriber receives
// every event: each one gets a private channel fed by the broadcast loop,
// so consumers cannot steal events from one another. Subscribe before
// Start; events emitted earlier are not replayed.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// broadcast fans the event stream out to all subscriber channels. It ends
// when the event channel is closed in Start, closing every subscriber
// channel so the consumers drain and return.
func (r *Runner) broadcast() {
	for evt := range r.events {
		r.subMu.Lock()
		subs := append([]chan stats.Event(nil), r.subscribers...)
		r.subMu.Unlock()

		for _, sub := range subs {
			select {
			case <-r.ctx.Done():
			case sub <- evt:
			}
		}
	}

	r.subMu.Lock()
	for _, sub := range r.subscribers {
		close(sub)
	}
	r.subMu.Unlock()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	err := r.err
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("batch failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("batch completed", "duration", duration)
	return nil
}

// bridge validates intake envelopes and forwards messages to the
// responder. Per-message extraction failures and in-run duplicates are
// logged and skipped; only a closed intake ends the stage.
func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeProcess()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: stats.StageIntake, Type: stats.EventTypeScanned, UID: msg.UID})

			if envelope.Err != nil {
				r.logger.Warn("skipping message", "uid", msg.UID, "reason", envelope.Err)
				r.EmitEvent(stats.Event{Stage: stats.StageIntake, Type: stats.EventTypeSkipped, UID: msg.UID, Err: envelope.Err})
				continue
			}

			if r.tracker.AlreadySeen(msg.UID) {
				r.EmitEvent(stats.Event{Stage: stats.StageIntake, Type: stats.EventTypeDuplicate, UID: msg.UID})
				continue
			}
			r.tracker.MarkSeen(msg.UID)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.process <- msg:
				r.EmitEvent(stats.Event{Stage: stats.StageIntake, Type: stats.EventTypeEnqueued, UID: msg.UID})
			}
		}
	}
}

func (r *Runner) closeProcess() {
	r.closeProcessOnce.Do(func() {
		close(r.process)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
