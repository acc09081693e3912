package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-ai-reply/stats"
)

// Printer mirrors the event stream onto the terminal so an interactive
// run shows per-message outcomes while structured logs stay machine
// readable. Only active at info level; debug runs rely on the logs.
type Printer struct {
	mu      sync.Mutex
	enabled bool
}

func New(logLevel string) *Printer {
	return &Printer{enabled: logLevel == "info"}
}

// Update prints one line per relevant event.
func (p *Printer) Update(evt stats.Event) {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeSkipped:
		pterm.Warning.Printf("message %d skipped: %v\n", evt.UID, evt.Err)
	case stats.EventTypeDuplicate:
		pterm.Warning.Printf("message %d suppressed: already handled in this run\n", evt.UID)
	case stats.EventTypeFallback:
		pterm.Warning.Printf("message %d: generation failed, replying with fallback text\n", evt.UID)
	case stats.EventTypeDelivered:
		pterm.Success.Printf("message %d answered -> %s\n", evt.UID, evt.Recipient)
	case stats.EventTypeDryRunDelivery:
		pterm.Info.Printf("message %d answered (dry-run) -> %s\n", evt.UID, evt.Recipient)
	case stats.EventTypeDeliveryFailed:
		pterm.Error.Printf("message %d delivery failed (%s): %v\n", evt.UID, evt.Recipient, evt.Err)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("error: %v\n", evt.Err)
		}
	}
}

// Finish prints the closing summary block.
func (p *Printer) Finish(summary stats.Summary) {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pterm.Println()
	pterm.DefaultSection.Println("Batch Summary")
	pterm.Info.Printf("Messages found: %d\n", summary.Scanned)
	pterm.Info.Printf("Skipped: %d\n", summary.Skipped+summary.Duplicates)
	pterm.Info.Printf("Replies generated: %d (fallbacks: %d)\n", summary.Generated, summary.Fallbacks)
	pterm.Info.Printf("Delivered: %d\n", summary.Delivered+summary.DryRunDelivered)
	if summary.DeliveryFailures > 0 {
		pterm.Error.Printf("Delivery failures: %d\n", summary.DeliveryFailures)
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}

// Subscriber adapts the printer to the stats event stream.
func (p *Printer) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			p.Update(evt)
		}
	}
}

// Reporter couples the terminal printer with a stats collector so the
// summary block reflects the full run.
type Reporter struct {
	printer   *Printer
	collector *stats.Collector
}

func NewReporter(stream stats.EventStream, printer *Printer) *Reporter {
	reporter := &Reporter{
		printer:   printer,
		collector: stats.NewCollector(),
	}

	if printer != nil && printer.enabled {
		stream.SubscribeStats("progress-printer", printer.Subscriber)
		stream.SubscribeStats("progress-summary", reporter.collect)
	}

	return reporter
}

func (r *Reporter) collect(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)
	if err := ctx.Err(); err != nil {
		return err
	}
	r.printer.Finish(r.collector.Snapshot())
	return nil
}

// Announce prints the run header.
func (p *Printer) Announce(mailbox string, dryRun bool) {
	if !p.enabled {
		return
	}
	mode := ""
	if dryRun {
		mode = " (dry-run)"
	}
	pterm.Info.Println(fmt.Sprintf("Answering unread messages in %s%s", mailbox, mode))
}
