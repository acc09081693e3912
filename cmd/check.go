package cmd

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-ai-reply/stats"
)

// CheckCmd reports the unread backlog without answering anything: how
// many unseen messages are waiting and who they are from. Useful to
// inspect what a real run would pick up.
func CheckCmd() *cobra.Command {
	var (
		imapHost           string
		imapPort           int
		account            string
		accountPass        string
		mailbox            string
		useTLS             bool
		insecureSkipVerify bool
		topN               int
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show the unread backlog without sending any replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if accountPass == "" {
				accountPass = os.Getenv("ACCOUNT_PASS")
			}
			if accountPass == "" {
				return fmt.Errorf("account password must be provided via --account-pass or ACCOUNT_PASS env var")
			}

			client, err := dial(imapHost, imapPort, useTLS, insecureSkipVerify)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Login(account, accountPass).Wait(); err != nil {
				return fmt.Errorf("imap login failed: %w", err)
			}
			defer func() {
				_ = client.Logout().Wait()
			}()

			// Read-only select so checking never flips any flags.
			selectOpts := &imapv2.SelectOptions{ReadOnly: true}
			if _, err := client.Select(mailbox, selectOpts).Wait(); err != nil {
				return fmt.Errorf("select %s: %w", mailbox, err)
			}

			criteria := &imapv2.SearchCriteria{
				NotFlag: []imapv2.Flag{imapv2.FlagSeen},
			}
			searchData, err := client.UIDSearch(criteria, nil).Wait()
			if err != nil {
				return fmt.Errorf("search unseen: %w", err)
			}

			uids := searchData.AllUIDs()
			fmt.Printf("Unread messages in %s: %d\n", mailbox, len(uids))
			if len(uids) == 0 {
				return nil
			}

			senders, err := countSenders(client, uids)
			if err != nil {
				return err
			}

			fmt.Printf("\nTop %d senders:\n", topN)
			stats.PrettyPrintTop(senders, topN)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&imapHost, "imap-host", "", "IMAP server hostname")
	flags.IntVar(&imapPort, "imap-port", 993, "IMAP server port")
	flags.StringVar(&account, "account", "", "Mail account address")
	flags.StringVar(&accountPass, "account-pass", "", "Mail account password (falls back to ACCOUNT_PASS env var)")
	flags.StringVar(&mailbox, "mailbox", "INBOX", "Mailbox to inspect")
	flags.BoolVar(&useTLS, "use-tls", true, "Use TLS for the IMAP connection")
	flags.BoolVar(&insecureSkipVerify, "insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.IntVar(&topN, "top", 10, "Number of top senders to show")

	_ = cmd.MarkFlagRequired("imap-host")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func dial(host string, port int, useTLS, insecureSkipVerify bool) (*imapclient.Client, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))
	options := &imapclient.Options{}

	if useTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: insecureSkipVerify,
		}
		client, err := imapclient.DialTLS(address, options)
		if err != nil {
			return nil, fmt.Errorf("dial imap %s: %w", address, err)
		}
		return client, nil
	}

	client, err := imapclient.DialInsecure(address, options)
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}
	return client, nil
}

func countSenders(client *imapclient.Client, uids []imapv2.UID) (map[string]int, error) {
	fetchOpts := &imapv2.FetchOptions{
		UID:      true,
		Envelope: true,
	}

	fetchCmd := client.Fetch(imapv2.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	senders := make(map[string]int)
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		if buf.Envelope == nil || len(buf.Envelope.From) == 0 {
			continue
		}
		senders[buf.Envelope.From[0].Addr()]++
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	return senders, nil
}
