package respond

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-ai-reply/config"
	"github.com/dhcgn/imap-ai-reply/model"
	"github.com/dhcgn/imap-ai-reply/progress"
	"github.com/dhcgn/imap-ai-reply/runner"
	"github.com/dhcgn/imap-ai-reply/stats"
)

type fakeGenerator struct {
	mu       sync.Mutex
	prompts  []string
	text     string
	fellBack bool
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, bool) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	return g.text, g.fellBack
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	replies []model.Reply
	errs    []error
}

func (d *fakeDispatcher) Send(reply model.Reply) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(d.replies, reply)
	if len(d.errs) >= len(d.replies) {
		return d.errs[len(d.replies)-1]
	}
	return nil
}

func (d *fakeDispatcher) sent() []model.Reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Reply(nil), d.replies...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runBatch feeds the envelopes through a full runner with the respond
// stage attached and returns the collected summary plus the run error.
func runBatch(t *testing.T, opts Options, gen Generator, disp Dispatcher, envelopes []model.Envelope) (stats.Summary, error) {
	t.Helper()

	r := runner.New(config.Config{}, discardLogger())
	reporter := stats.NewReporter(r, discardLogger())

	if _, err := New(opts, gen, disp, r, discardLogger()); err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r.AddStage("test-intake", func(ctx context.Context) error {
		defer r.CloseMailbox()
		for _, envelope := range envelopes {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.MailboxWriter() <- envelope:
			}
		}
		return nil
	})

	err := r.Start()
	return reporter.Summary(), err
}

func TestBatch_RepliesToEachUnreadMessage(t *testing.T) {
	gen := &fakeGenerator{text: "4"}
	disp := &fakeDispatcher{}

	envelopes := []model.Envelope{
		{Message: model.Message{UID: 1, Subject: "Process with AI", From: "Alice <alice@example.com>", Body: "What is 2+2?"}},
	}

	summary, err := runBatch(t, Options{}, gen, disp, envelopes)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sent := disp.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sent))
	}
	reply := sent[0]
	if reply.To != "Alice <alice@example.com>" {
		t.Errorf("To = %q, want the original sender", reply.To)
	}
	if reply.Subject != "Re: Process with AI" {
		t.Errorf("Subject = %q, want %q", reply.Subject, "Re: Process with AI")
	}
	if reply.Body != "4" {
		t.Errorf("Body = %q, want %q", reply.Body, "4")
	}

	if summary.Scanned != 1 || summary.Generated != 1 || summary.Delivered != 1 {
		t.Errorf("summary = %+v, want 1 scanned, 1 generated, 1 delivered", summary)
	}
	if summary.Fallbacks != 0 {
		t.Errorf("Fallbacks = %d, want 0", summary.Fallbacks)
	}
}

func TestBatch_FallbackTextIsStillDelivered(t *testing.T) {
	gen := &fakeGenerator{text: "I'm sorry, I couldn't process your request at this time.", fellBack: true}
	disp := &fakeDispatcher{}

	envelopes := []model.Envelope{
		{Message: model.Message{UID: 1, Subject: "hi", From: "bob@example.com", Body: "hello"}},
	}

	summary, err := runBatch(t, Options{}, gen, disp, envelopes)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sent := disp.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sent))
	}
	if sent[0].Body != gen.text {
		t.Errorf("Body = %q, want the fallback text", sent[0].Body)
	}

	if summary.Fallbacks != 1 {
		t.Errorf("Fallbacks = %d, want 1", summary.Fallbacks)
	}
	if summary.Generated != 1 {
		t.Errorf("Generated = %d, want 1 (fallbacks count as generated)", summary.Generated)
	}
	if summary.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", summary.Delivered)
	}
}

func TestBatch_DeliveryFailureDoesNotStopTheRun(t *testing.T) {
	gen := &fakeGenerator{text: "answer"}
	disp := &fakeDispatcher{errs: []error{errors.New("550 mailbox unavailable"), nil}}

	envelopes := []model.Envelope{
		{Message: model.Message{UID: 1, Subject: "first", From: "a@example.com", Body: "one"}},
		{Message: model.Message{UID: 2, Subject: "second", From: "b@example.com", Body: "two"}},
	}

	summary, err := runBatch(t, Options{}, gen, disp, envelopes)
	if err != nil {
		t.Fatalf("Start() error = %v, a delivery failure must not fail the batch", err)
	}

	if got := len(disp.sent()); got != 2 {
		t.Fatalf("attempted %d deliveries, want 2", got)
	}
	if summary.DeliveryFailures != 1 {
		t.Errorf("DeliveryFailures = %d, want 1", summary.DeliveryFailures)
	}
	if summary.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", summary.Delivered)
	}
	if summary.LastError == nil {
		t.Error("LastError is nil, want the delivery error recorded")
	}
}

func TestBatch_EmptyMailboxDoesNothing(t *testing.T) {
	gen := &fakeGenerator{text: "unused"}
	disp := &fakeDispatcher{}

	summary, err := runBatch(t, Options{}, gen, disp, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if gen.calls() != 0 {
		t.Errorf("generator called %d times, want 0", gen.calls())
	}
	if len(disp.sent()) != 0 {
		t.Errorf("sent %d replies, want 0", len(disp.sent()))
	}
	if summary.Scanned != 0 || summary.Delivered != 0 {
		t.Errorf("summary = %+v, want all zero", summary)
	}
}

func TestBatch_UnreadableMessagesAreSkipped(t *testing.T) {
	gen := &fakeGenerator{text: "answer"}
	disp := &fakeDispatcher{}

	envelopes := []model.Envelope{
		{Message: model.Message{UID: 1}, Err: errors.New("no text/plain part")},
		{Message: model.Message{UID: 2, Subject: "ok", From: "c@example.com", Body: "fine"}},
	}

	summary, err := runBatch(t, Options{}, gen, disp, envelopes)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if gen.calls() != 1 {
		t.Errorf("generator called %d times, want 1", gen.calls())
	}
	if summary.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", summary.Skipped)
	}
	if summary.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", summary.Delivered)
	}
}

func TestBatch_DuplicateUIDsAreSuppressed(t *testing.T) {
	gen := &fakeGenerator{text: "answer"}
	disp := &fakeDispatcher{}

	msg := model.Message{UID: 9, Subject: "twice", From: "d@example.com", Body: "hello"}
	envelopes := []model.Envelope{
		{Message: msg},
		{Message: msg},
	}

	summary, err := runBatch(t, Options{}, gen, disp, envelopes)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := len(disp.sent()); got != 1 {
		t.Errorf("sent %d replies, want 1", got)
	}
	if summary.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", summary.Duplicates)
	}
}

func TestBatch_DryRunSendsNothing(t *testing.T) {
	gen := &fakeGenerator{text: "would-be reply"}

	envelopes := []model.Envelope{
		{Message: model.Message{UID: 1, Subject: "hi", From: "e@example.com", Body: "hello"}},
	}

	summary, err := runBatch(t, Options{DryRun: true}, gen, nil, envelopes)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if gen.calls() != 1 {
		t.Errorf("generator called %d times, want 1 (dry-run still generates)", gen.calls())
	}
	if summary.DryRunDelivered != 1 {
		t.Errorf("DryRunDelivered = %d, want 1", summary.DryRunDelivered)
	}
	if summary.Delivered != 0 {
		t.Errorf("Delivered = %d, want 0", summary.Delivered)
	}
}

func TestBatch_SummaryCountsAllMessagesWithProgressAttached(t *testing.T) {
	pterm.DisableOutput()
	defer pterm.EnableOutput()

	gen := &fakeGenerator{text: "answer"}
	disp := &fakeDispatcher{}

	r := runner.New(config.Config{}, discardLogger())
	reporter := stats.NewReporter(r, discardLogger())
	progress.NewReporter(r, progress.New("info"))

	if _, err := New(Options{}, gen, disp, r, discardLogger()); err != nil {
		t.Fatalf("New() error = %v", err)
	}

	const total = 30
	r.AddStage("test-intake", func(ctx context.Context) error {
		defer r.CloseMailbox()
		for uid := uint32(1); uid <= total; uid++ {
			envelope := model.Envelope{Message: model.Message{
				UID:     uid,
				Subject: fmt.Sprintf("question %d", uid),
				From:    fmt.Sprintf("sender%d@example.com", uid),
				Body:    "hello",
			}}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.MailboxWriter() <- envelope:
			}
		}
		return nil
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := len(disp.sent()); got != total {
		t.Fatalf("sent %d replies, want %d", got, total)
	}

	// The summary must stay complete with the terminal reporter attached:
	// every subscriber sees every event, none are stolen.
	summary := reporter.Summary()
	if summary.Scanned != total {
		t.Errorf("Scanned = %d, want %d", summary.Scanned, total)
	}
	if summary.Generated != total {
		t.Errorf("Generated = %d, want %d", summary.Generated, total)
	}
	if summary.Delivered != total {
		t.Errorf("Delivered = %d, want %d", summary.Delivered, total)
	}
}

func TestNew_RequiresDispatcherUnlessDryRun(t *testing.T) {
	r := runner.New(config.Config{}, discardLogger())

	if _, err := New(Options{}, &fakeGenerator{}, nil, r, discardLogger()); err == nil {
		t.Error("New() accepted a nil dispatcher outside dry-run")
	}
	if _, err := New(Options{}, nil, &fakeDispatcher{}, r, discardLogger()); err == nil {
		t.Error("New() accepted a nil generator")
	}
}
