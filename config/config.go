package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Config captures all command-line options required to run the responder.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	SMTPHost           string
	SMTPPort           int
	Account            string
	AccountPass        string
	Mailbox            string
	MboxPath           string
	LLMAPIKey          string
	LLMBaseURL         string
	LLMModel           string
	LLMMaxTokens       int
	FallbackText       string
	UseTLS             bool
	InsecureSkipVerify bool
	MarkSeen           bool
	DryRun             bool
	Timeout            time.Duration
	LogLevel           string
	LogDir             string
	IncludeHeader      []string
	IncludeBody        []string
	ExcludeHeader      []string
	ExcludeBody        []string
}

const (
	DefaultFallbackText = "I'm sorry, I couldn't process your request at this time."
	DefaultLLMBaseURL   = "https://api.anthropic.com"
	DefaultLLMModel     = "claude-3-5-haiku-latest"
)

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("smtp-host", "", "SMTP submission server hostname (defaults to --imap-host)")
	flags.Int("smtp-port", 587, "SMTP submission port (465 uses implicit TLS)")
	flags.String("account", "", "Mail account address, used for login and as the From header")
	flags.String("account-pass", "", "Mail account password (falls back to ACCOUNT_PASS env var)")
	flags.String("mailbox", "INBOX", "Mailbox to drain unread messages from")
	flags.String("mbox", "", "Read messages from a local .mbox file instead of IMAP")
	flags.String("llm-api-key", "", "API key for the text generation service (falls back to LLM_API_KEY env var)")
	flags.String("llm-base-url", DefaultLLMBaseURL, "Base URL of the text generation service")
	flags.String("llm-model", DefaultLLMModel, "Model identifier for generation requests")
	flags.Int("llm-max-tokens", 150, "Cap on generated tokens per reply")
	flags.String("fallback-text", DefaultFallbackText, "Reply body used when generation fails")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.Bool("mark-seen", true, "Mark processed messages as \\Seen so they are not picked up again")
	flags.Bool("dry-run", false, "Generate replies but log instead of sending, and do not mark messages seen")
	flags.Duration("timeout", 30*time.Second, "Timeout for generation and SMTP network calls")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (logs to stdout only when empty)")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	if err := cmd.MarkFlagRequired("account"); err != nil {
		return err
	}

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return Config{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return Config{}, err
	}
	smtpHost, err := flags.GetString("smtp-host")
	if err != nil {
		return Config{}, err
	}
	smtpPort, err := flags.GetInt("smtp-port")
	if err != nil {
		return Config{}, err
	}
	account, err := flags.GetString("account")
	if err != nil {
		return Config{}, err
	}
	accountPass, err := flags.GetString("account-pass")
	if err != nil {
		return Config{}, err
	}
	mailbox, err := flags.GetString("mailbox")
	if err != nil {
		return Config{}, err
	}
	mboxPath, err := flags.GetString("mbox")
	if err != nil {
		return Config{}, err
	}
	llmAPIKey, err := flags.GetString("llm-api-key")
	if err != nil {
		return Config{}, err
	}
	llmBaseURL, err := flags.GetString("llm-base-url")
	if err != nil {
		return Config{}, err
	}
	llmModel, err := flags.GetString("llm-model")
	if err != nil {
		return Config{}, err
	}
	llmMaxTokens, err := flags.GetInt("llm-max-tokens")
	if err != nil {
		return Config{}, err
	}
	fallbackText, err := flags.GetString("fallback-text")
	if err != nil {
		return Config{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	markSeen, err := flags.GetBool("mark-seen")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	timeout, err := flags.GetDuration("timeout")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return Config{}, err
	}
	includeBody, err := flags.GetStringArray("include-body")
	if err != nil {
		return Config{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return Config{}, err
	}
	excludeBody, err := flags.GetStringArray("exclude-body")
	if err != nil {
		return Config{}, err
	}

	if accountPass == "" {
		accountPass = os.Getenv("ACCOUNT_PASS")
	}
	if llmAPIKey == "" {
		llmAPIKey = os.Getenv("LLM_API_KEY")
	}
	if smtpHost == "" {
		smtpHost = imapHost
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		SMTPHost:           smtpHost,
		SMTPPort:           smtpPort,
		Account:            account,
		AccountPass:        accountPass,
		Mailbox:            mailbox,
		MboxPath:           mboxPath,
		LLMAPIKey:          llmAPIKey,
		LLMBaseURL:         llmBaseURL,
		LLMModel:           llmModel,
		LLMMaxTokens:       llmMaxTokens,
		FallbackText:       fallbackText,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		MarkSeen:           markSeen,
		DryRun:             dryRun,
		Timeout:            timeout,
		LogLevel:           logLevel,
		LogDir:             logDir,
		IncludeHeader:      includeHeader,
		IncludeBody:        includeBody,
		ExcludeHeader:      excludeHeader,
		ExcludeBody:        excludeBody,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.MboxPath == "" && cfg.IMAPHost == "" {
		return fmt.Errorf("--imap-host is required unless --mbox is given")
	}
	if cfg.Account == "" {
		return fmt.Errorf("--account is required")
	}
	if cfg.MboxPath == "" && cfg.AccountPass == "" {
		return fmt.Errorf("account password must be provided via --account-pass or ACCOUNT_PASS env var")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
		return fmt.Errorf("--smtp-port must be between 1 and 65535")
	}
	if !cfg.DryRun {
		if cfg.SMTPHost == "" {
			return fmt.Errorf("--smtp-host is required unless --dry-run is set")
		}
		if cfg.LLMAPIKey == "" {
			return fmt.Errorf("generation API key must be provided via --llm-api-key or LLM_API_KEY env var")
		}
	}
	if cfg.LLMMaxTokens <= 0 {
		return fmt.Errorf("--llm-max-tokens must be positive")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("--timeout must be positive")
	}
	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
