package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-ai-reply/extract"
	"github.com/dhcgn/imap-ai-reply/filter"
	"github.com/dhcgn/imap-ai-reply/model"
	"github.com/dhcgn/imap-ai-reply/runner"
	"github.com/dhcgn/imap-ai-reply/stats"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	MarkSeen           bool
	Filter             *filter.Filter
}

// Fetcher is the IMAP intake stage. One run owns one session: connect,
// list the unseen backlog, retrieve every message, close. Session-level
// failures abort the run before anything is processed; a single message
// that cannot be retrieved or decoded only produces an error envelope.
type Fetcher struct {
	opts   Options
	runner *runner.Runner
	logger *slog.Logger
}

func NewFetcher(opts Options, r *runner.Runner, logger *slog.Logger) (*Fetcher, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	fetcher := &Fetcher{
		opts:   opts,
		runner: r,
		logger: logger,
	}
	r.AddStage("imap", fetcher.run)
	return fetcher, nil
}

func (f *Fetcher) run(ctx context.Context) error {
	defer f.runner.CloseMailbox()

	client, cleanup, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	envelopes, seen, err := f.retrieve(client)
	if err != nil {
		return err
	}

	if f.opts.MarkSeen && len(seen) > 0 {
		if err := markSeen(client, seen); err != nil {
			return fmt.Errorf("mark seen: %w", err)
		}
	}

	for _, envelope := range envelopes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f.runner.MailboxWriter() <- envelope:
		}
	}

	return nil
}

// retrieve searches the unseen backlog and fetches each message in the
// order the server returned the UIDs. The returned seen set contains the
// UIDs whose extraction succeeded; only those are marked \Seen, so a
// skipped message stays unread for a human to find.
func (f *Fetcher) retrieve(client *imapclient.Client) ([]model.Envelope, []imapv2.UID, error) {
	criteria := &imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, nil, fmt.Errorf("search unseen: %w", err)
	}

	uids := searchData.AllUIDs()
	if f.logger != nil {
		f.logger.Info("unseen messages", "mailbox", f.mailbox(), "count", len(uids))
	}
	if len(uids) == 0 {
		return nil, nil, nil
	}

	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchOpts := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imapv2.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	byUID := make(map[imapv2.UID]model.Envelope, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		envelope, ok := f.resolve(buf, err, bodySection)
		if !ok {
			if f.logger != nil {
				f.logger.Warn("dropping unidentifiable fetch response", "err", err)
			}
			f.runner.EmitEvent(stats.Event{Stage: stats.StageIntake, Type: stats.EventTypeError, Err: err})
			continue
		}

		byUID[imapv2.UID(envelope.Message.UID)] = envelope
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, nil, fmt.Errorf("fetch messages: %w", err)
	}

	// Emit in the server's search order, not fetch response order.
	var envelopes []model.Envelope
	var seen []imapv2.UID
	for _, uid := range uids {
		envelope, ok := byUID[uid]
		if !ok {
			continue
		}
		envelopes = append(envelopes, envelope)
		if envelope.Err == nil {
			seen = append(seen, uid)
		}
	}

	return envelopes, seen, nil
}

// resolve turns one fetch response into an envelope. A response whose
// collection failed still yields an error envelope when its UID is known,
// so the message is counted and reported as skipped instead of vanishing
// from the batch. Only a response with no usable UID is dropped, and the
// caller logs that.
func (f *Fetcher) resolve(buf *imapclient.FetchMessageBuffer, collectErr error, section *imapv2.FetchItemBodySection) (model.Envelope, bool) {
	if collectErr != nil {
		if buf == nil || buf.UID == 0 {
			return model.Envelope{}, false
		}
		return model.Envelope{
			Message: model.Message{UID: uint32(buf.UID)},
			Err:     fmt.Errorf("message %d: collect: %w", buf.UID, collectErr),
		}, true
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return model.Envelope{
			Message: model.Message{UID: uint32(buf.UID)},
			Err:     fmt.Errorf("message %d: empty body section", buf.UID),
		}, true
	}

	return f.toEnvelope(uint32(buf.UID), raw), true
}

func (f *Fetcher) toEnvelope(uid uint32, raw []byte) model.Envelope {
	if f.opts.Filter != nil {
		header, body := filter.SplitRawMessage(raw)
		if !f.opts.Filter.Allows(header, body) {
			return model.Envelope{
				Message: model.Message{UID: uid},
				Err:     filter.ErrFiltered,
			}
		}
	}

	msg, err := extract.Parse(uid, raw)
	if err != nil {
		return model.Envelope{
			Message: model.Message{UID: uid},
			Err:     fmt.Errorf("message %d: %w", uid, err),
		}
	}
	return model.Envelope{Message: msg}
}

func (f *Fetcher) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(f.opts.Host, strconv.Itoa(f.opts.Port))
	options := &imapclient.Options{}

	if f.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         f.opts.Host,
			InsecureSkipVerify: f.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if f.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(f.opts.Username, f.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if _, err := client.Select(f.mailbox(), nil).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("select %s: %w", f.mailbox(), err)
	}

	if f.logger != nil {
		f.logger.Debug("imap connection established", "address", address, "user", f.opts.Username, "mailbox", f.mailbox(), "tls", f.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if f.logger != nil {
					f.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && f.logger != nil {
			f.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func markSeen(client *imapclient.Client, uids []imapv2.UID) error {
	storeCmd := client.Store(imapv2.UIDSetNum(uids...), &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}, nil)
	return storeCmd.Close()
}

func (f *Fetcher) mailbox() string {
	if f.opts.Mailbox == "" {
		return "INBOX"
	}
	return f.opts.Mailbox
}
