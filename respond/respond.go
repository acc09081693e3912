package respond

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dhcgn/imap-ai-reply/model"
	"github.com/dhcgn/imap-ai-reply/runner"
	"github.com/dhcgn/imap-ai-reply/stats"
)

// Generator produces reply text for a prompt. The bool reports whether a
// fallback was substituted; Generate must not fail outward.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, bool)
}

// Dispatcher transmits one reply and scopes any failure to it.
type Dispatcher interface {
	Send(reply model.Reply) error
}

type Options struct {
	DryRun bool
}

// Responder is the per-message generate-then-dispatch stage. Each message
// gets exactly one generation call and at most one delivery attempt; a
// failed delivery is logged and the stage moves on to the next message.
type Responder struct {
	opts       Options
	runner     *runner.Runner
	generator  Generator
	dispatcher Dispatcher
	logger     *slog.Logger
}

func New(opts Options, gen Generator, disp Dispatcher, r *runner.Runner, logger *slog.Logger) (*Responder, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator must not be nil")
	}
	if disp == nil && !opts.DryRun {
		return nil, fmt.Errorf("dispatcher must not be nil")
	}
	responder := &Responder{
		opts:       opts,
		runner:     r,
		generator:  gen,
		dispatcher: disp,
		logger:     logger,
	}
	r.AddStage("respond", responder.run)
	return responder, nil
}

func (rs *Responder) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-rs.runner.Process():
			if !ok {
				return nil
			}
			rs.handle(ctx, msg)
		}
	}
}

func (rs *Responder) handle(ctx context.Context, msg model.Message) {
	text, fellBack := rs.generator.Generate(ctx, msg.Body)
	if fellBack {
		rs.runner.EmitEvent(stats.Event{Stage: stats.StageRespond, Type: stats.EventTypeFallback, UID: msg.UID})
	} else {
		rs.runner.EmitEvent(stats.Event{Stage: stats.StageRespond, Type: stats.EventTypeGenerated, UID: msg.UID})
	}

	reply := model.Reply{
		UID:     msg.UID,
		To:      msg.From,
		Subject: "Re: " + msg.Subject,
		Body:    text,
	}

	if rs.opts.DryRun {
		rs.runner.EmitEvent(stats.Event{Stage: stats.StageRespond, Type: stats.EventTypeDryRunDelivery, UID: msg.UID, Recipient: reply.To})
		if rs.logger != nil {
			rs.logger.Info("dry-run reply", "uid", msg.UID, "to", reply.To, "subject", reply.Subject)
		}
		return
	}

	if err := rs.dispatcher.Send(reply); err != nil {
		rs.runner.EmitEvent(stats.Event{Stage: stats.StageRespond, Type: stats.EventTypeDeliveryFailed, UID: msg.UID, Recipient: reply.To, Err: err})
		if rs.logger != nil {
			rs.logger.Error("delivery failed", "uid", msg.UID, "to", reply.To, "err", err)
		}
		return
	}

	rs.runner.EmitEvent(stats.Event{Stage: stats.StageRespond, Type: stats.EventTypeDelivered, UID: msg.UID, Recipient: reply.To})
	if rs.logger != nil {
		rs.logger.Info("reply delivered", "uid", msg.UID, "to", reply.To, "subject", reply.Subject)
	}
}
