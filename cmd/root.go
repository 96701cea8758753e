package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-attachment-sync/api"
	"github.com/dhcgn/imap-attachment-sync/config"
	"github.com/dhcgn/imap-attachment-sync/disk"
	"github.com/dhcgn/imap-attachment-sync/fetch"
	"github.com/dhcgn/imap-attachment-sync/mailbox"
	"github.com/dhcgn/imap-attachment-sync/processor"
	"github.com/dhcgn/imap-attachment-sync/progress"
	"github.com/dhcgn/imap-attachment-sync/rules"
)

var rootCmd = &cobra.Command{
	Use:   "imap-attachment-sync [maxMessages]",
	Short: "Extract attachments from mailbox messages and upload them to the inventory API",
	Long: `Connects to an IMAP mailbox, searches messages per the configured rules,
extracts their attachments (direct MIME parts and files referenced by URL in
the message body), uploads metadata and content to the inventory API and
moves each message to the processed or not-processed folder.

The optional positional argument caps how many messages are processed per
rule; without it every search hit is processed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd)
		if err != nil {
			return err
		}

		maxMessages := 0
		if len(args) == 1 {
			maxMessages, err = strconv.Atoi(args[0])
			if err != nil || maxMessages < 0 {
				return fmt.Errorf("maxMessages must be a non-negative number, got %q", args[0])
			}
		}

		logger, cleanup, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		slog.SetDefault(logger)
		logger = logger.With("runID", uuid.NewString())
		logger.Info("starting sync", "inbox", cfg.InboxFolder, "rules", cfg.RulesPath, "maxMessages", maxMessages)

		return run(cmd.Context(), cfg, maxMessages, logger)
	},
}

func init() {
	config.RegisterFlags(rootCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, maxMessages int, logger *slog.Logger) error {
	ruleList, err := rules.Load(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("rules.Load: %w", err)
	}

	session, err := mailbox.Connect(mailbox.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Inbox:              cfg.InboxFolder,
	}, logger)
	if err != nil {
		return fmt.Errorf("mailbox.Connect: %w", err)
	}
	defer func() {
		logger.Info("closing connection")
		if err := session.Close(); err != nil {
			logger.Warn("close mailbox session", "err", err)
		}
	}()

	for _, folder := range []string{cfg.ProcessedFolder, cfg.NotProcessedFolder} {
		if err := session.EnsureFolder(folder); err != nil {
			return err
		}
	}

	apiClient, err := api.NewClient(api.Options{BaseURL: cfg.APIBaseURL, AccessToken: cfg.APIToken}, logger)
	if err != nil {
		return fmt.Errorf("api.NewClient: %w", err)
	}

	var saver processor.Saver
	if cfg.SaveDir != "" {
		diskSaver, err := disk.NewSaver(cfg.SaveDir)
		if err != nil {
			return fmt.Errorf("disk.NewSaver: %w", err)
		}
		saver = diskSaver
	}

	proc, err := processor.New(
		mailboxAdapter{session: session},
		apiClient,
		fetch.NewClient(time.Minute),
		saver,
		processor.Options{
			InboxFolder:        cfg.InboxFolder,
			ProcessedFolder:    cfg.ProcessedFolder,
			NotProcessedFolder: cfg.NotProcessedFolder,
			DateFormat:         cfg.DateFormat,
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("processor.New: %w", err)
	}
	proc.NewBar = func(total int, rule int) processor.Bar {
		return progress.New(total, fmt.Sprintf("Rule %d", rule), cfg.LogLevel)
	}

	runErr := proc.Run(ctx, ruleList, maxMessages)

	summary := proc.Summary()
	if runErr != nil {
		logger.Error("sync failed", append(summary.LogAttrs(), "err", runErr)...)
		return runErr
	}
	logger.Info("sync finished", summary.LogAttrs()...)
	return nil
}

// mailboxAdapter narrows the live session to the processor's Mailbox port.
type mailboxAdapter struct {
	session *mailbox.Client
}

func (a mailboxAdapter) Search(ctx context.Context, spec rules.Search) ([]processor.Message, error) {
	found, err := a.session.Search(ctx, spec)
	if err != nil {
		return nil, err
	}
	messages := make([]processor.Message, len(found))
	for i, message := range found {
		messages[i] = message
	}
	return messages, nil
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

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imap-attachment-sync-%s.log", time.Now().Format("20060102T150405")))
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
