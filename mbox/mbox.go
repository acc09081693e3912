package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/imap-ai-reply/extract"
	"github.com/dhcgn/imap-ai-reply/filter"
	"github.com/dhcgn/imap-ai-reply/model"
	"github.com/dhcgn/imap-ai-reply/runner"
)

type Options struct {
	Path   string
	Filter *filter.Filter
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

// NewReader builds an mbox intake reading a local archive through the
// same extraction path as the IMAP intake. Used for offline runs and
// test fixtures; every message in the file counts as unread. UIDs are
// the 1-based sequence within the file.
func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	return &fileReader{
		path:   path,
		fltr:   opts.Filter,
		logger: logger,
	}, nil
}

type fileReader struct {
	path   string
	fltr   *filter.Filter
	logger *slog.Logger
}

func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	var reader *mboxlib.Reader

	if mbox_test_data_using {
		reader = mboxlib.NewReader(bytes.NewReader(mbox_test_data))
	} else {
		file, err := os.Open(f.path)
		if err != nil {
			return fmt.Errorf("open mbox: %w", err)
		}
		defer file.Close()
		reader = mboxlib.NewReader(file)
	}

	for uid := uint32(1); ; uid++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", uid, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			if emitErr := f.emitError(ctx, out, uid, fmt.Errorf("message %d read: %w", uid, err)); emitErr != nil {
				return emitErr
			}
			continue
		}

		if f.fltr != nil {
			header, body := filter.SplitRawMessage(raw)
			if !f.fltr.Allows(header, body) {
				if emitErr := f.emitError(ctx, out, uid, filter.ErrFiltered); emitErr != nil {
					return emitErr
				}
				continue
			}
		}

		msg, err := extract.Parse(uid, raw)
		if err != nil {
			if emitErr := f.emitError(ctx, out, uid, fmt.Errorf("message %d: %w", uid, err)); emitErr != nil {
				return emitErr
			}
			continue
		}

		if err := f.emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, uid uint32, err error) error {
	if f.logger != nil {
		f.logger.Debug("mbox message not usable", "path", f.path, "uid", uid, "reason", err)
	}
	return f.emitEnvelope(ctx, out, model.Envelope{
		Message: model.Message{UID: uid},
		Err:     err,
	})
}

func (f *fileReader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

type Producer struct {
	reader Reader
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()
	return p.reader.Stream(ctx, p.runner.MailboxWriter())
}

var (
	mbox_test_data_using = false
	mbox_test_data       []byte
)
