package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-ai-reply/cmd"
	"github.com/dhcgn/imap-ai-reply/config"
	"github.com/dhcgn/imap-ai-reply/filter"
	"github.com/dhcgn/imap-ai-reply/imap"
	"github.com/dhcgn/imap-ai-reply/llm"
	"github.com/dhcgn/imap-ai-reply/mbox"
	"github.com/dhcgn/imap-ai-reply/progress"
	"github.com/dhcgn/imap-ai-reply/respond"
	"github.com/dhcgn/imap-ai-reply/runner"
	"github.com/dhcgn/imap-ai-reply/smtp"
	"github.com/dhcgn/imap-ai-reply/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imap-ai-reply",
		Short: "Answer unread mailbox messages with generated replies",
		Long: "Drains the unread backlog of a mailbox once: each message body is sent " +
			"to a text generation service and the result is mailed back to the sender. " +
			"No state is kept between runs; the server-side \\Seen flag decides what is new.",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting imap-ai-reply",
				"mailbox", cfg.Mailbox,
				"account", cfg.Account,
				"model", cfg.LLMModel,
				"dryRun", cfg.DryRun,
			)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(cmd.CheckCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	fltr, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	r := runner.New(cfg, logger)
	stats.NewReporter(r, logger)

	printer := progress.New(cfg.LogLevel)
	printer.Announce(cfg.Mailbox, cfg.DryRun)
	progress.NewReporter(r, printer)

	if cfg.MboxPath != "" {
		mboxOpts := mbox.Options{
			Path:   cfg.MboxPath,
			Filter: fltr,
		}
		if _, err := mbox.NewProducer(mboxOpts, r, logger); err != nil {
			return fmt.Errorf("mbox.NewProducer: %w", err)
		}
	} else {
		imapOpts := imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.Account,
			Password:           cfg.AccountPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
			MarkSeen:           cfg.MarkSeen && !cfg.DryRun,
			Filter:             fltr,
		}
		if _, err := imap.NewFetcher(imapOpts, r, logger); err != nil {
			return fmt.Errorf("imap.NewFetcher: %w", err)
		}
	}

	generator, err := llm.NewClient(llm.Options{
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
		MaxTokens:    cfg.LLMMaxTokens,
		FallbackText: cfg.FallbackText,
		Timeout:      cfg.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("llm.NewClient: %w", err)
	}

	var dispatcher respond.Dispatcher
	if !cfg.DryRun {
		sender, err := smtp.NewSender(smtp.Options{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.Account,
			Password: cfg.AccountPass,
			From:     cfg.Account,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return fmt.Errorf("smtp.NewSender: %w", err)
		}
		dispatcher = sender
	}

	respondOpts := respond.Options{DryRun: cfg.DryRun}
	if _, err := respond.New(respondOpts, generator, dispatcher, r, logger); err != nil {
		return fmt.Errorf("respond.New: %w", err)
	}

	return r.Start()
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imap-ai-reply-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
