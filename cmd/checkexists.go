package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-attachment-sync/api"
	"github.com/dhcgn/imap-attachment-sync/config"
	"github.com/dhcgn/imap-attachment-sync/model"
)

// checkExistsCmd probes the inventory API's existence check with a synthetic
// payload so operators can verify connectivity and credentials without
// touching the mailbox.
var checkExistsCmd = &cobra.Command{
	Use:   "check-exists [date]",
	Short: "Probe the inventory API existence check with a synthetic payload",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAPIConfig(cmd)
		if err != nil {
			return err
		}

		date := time.Now()
		if len(args) == 1 {
			date, err = parseProbeDate(args[0])
			if err != nil {
				return err
			}
		}

		client, err := api.NewClient(api.Options{BaseURL: cfg.BaseURL, AccessToken: cfg.Token}, slog.Default())
		if err != nil {
			return err
		}

		timestamp := date.UnixMilli()
		from := fmt.Sprintf("test+%d@example.test", timestamp)
		subject := fmt.Sprintf("test#%d", timestamp)
		mailHash := model.MailHash(from, subject, date)

		payload := model.Payload{
			Folder:             cfg.InboxFolder,
			From:               from,
			Subject:            subject,
			ReceptionDate:      date,
			MailHash:           mailHash,
			AttachmentFilename: subject + ".pdf",
			AttachmentHash:     mailHash,
			AttachmentRenamed:  subject + ".pdf",
		}

		fmt.Printf("probing with mail_hash %s\n", mailHash)

		result, err := client.CheckExists(cmd.Context(), payload)
		if err != nil {
			return err
		}

		switch result {
		case api.NotFound:
			fmt.Println("record not found")
		default:
			fmt.Println("record exists")
		}
		return nil
	},
}

func init() {
	config.RegisterAPIFlags(checkExistsCmd)
	rootCmd.AddCommand(checkExistsCmd)
}

func parseProbeDate(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, expected RFC 3339 or YYYY-MM-DD", value)
}
