package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-attachment-sync/mailbox"
	"github.com/dhcgn/imap-attachment-sync/rules"
)

var rulesCheckRulesPath string

// rulesCheckCmd dry-runs the configured rules against a local mbox archive:
// it reports which messages each rule would select, which attachments the
// match spec would extract and which URLs the body parser would download,
// without touching the live mailbox or the API.
var rulesCheckCmd = &cobra.Command{
	Use:   "rules-check [mbox file]",
	Short: "Analyse an mbox archive and show what the rules would extract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mboxPath := args[0]

		if rulesCheckRulesPath == "" {
			rulesCheckRulesPath = os.Getenv("MAILSYNC_RULES_PATH")
		}
		ruleList, err := rules.Load(rulesCheckRulesPath)
		if err != nil {
			return err
		}

		fmt.Println("Analyzing mbox file:", mboxPath)

		reports := make([]ruleReport, len(ruleList))
		for i := range reports {
			reports[i].urlHits = make(map[string]int)
		}

		messageCount := 0
		err = readMbox(mboxPath, func(raw []byte, header mail.Header) error {
			messageCount++
			text, attachments, parseErr := mailbox.ParseRaw(raw)
			if parseErr != nil {
				return nil
			}

			for i, rule := range ruleList {
				if !matchesOffline(rule.Search, header, text) {
					continue
				}
				reports[i].matched++

				if rule.Attachments != nil {
					for _, attachment := range attachments {
						if rule.Attachments.Matches(attachment.Filename) {
							reports[i].attachments++
						}
					}
				}

				if rule.BodyParser != nil {
					for j := range rule.BodyParser.URLPatterns {
						pattern := &rule.BodyParser.URLPatterns[j]
						for _, url := range pattern.FindURLs(text) {
							reports[i].urlHits[pattern.Pattern]++
							reports[i].urls = append(reports[i].urls, url)
						}
					}
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("error reading mbox file: %w", err)
		}

		pterm.DefaultSection.Println("Rule analysis")
		pterm.Info.Printf("Messages in archive: %d\n", messageCount)

		for i, report := range reports {
			pterm.Println()
			pterm.DefaultSection.WithLevel(2).Printf("Rule %d\n", i)
			pterm.Info.Printf("Matched messages: %d\n", report.matched)
			if ruleList[i].Attachments != nil {
				pterm.Info.Printf("Direct attachments selected: %d\n", report.attachments)
			}
			for pattern, hits := range report.urlHits {
				pterm.Info.Printf("Pattern %s: %d hits\n", pattern, hits)
			}
			for _, url := range report.urls {
				pterm.Printf("  %s\n", url)
			}
		}

		return nil
	},
}

type ruleReport struct {
	matched     int
	attachments int
	urlHits     map[string]int
	urls        []string
}

func init() {
	rulesCheckCmd.Flags().StringVar(&rulesCheckRulesPath, "rules", "", "Path to the JSON rules file (falls back to MAILSYNC_RULES_PATH)")
	rootCmd.AddCommand(rulesCheckCmd)
}

// readMbox iterates the archive, handing each message's raw bytes and parsed
// header to the callback. Messages that fail to parse are skipped.
func readMbox(path string, callback func(raw []byte, header mail.Header) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			continue
		}

		msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
		if err != nil {
			continue
		}

		if err := callback(raw, msg.Header); err != nil {
			return err
		}
	}
}

// matchesOffline approximates the IMAP search semantics against an archived
// message: header and body constraints match case-insensitively as
// substrings, since_days is anchored at now, and the unseen flag is ignored
// because mbox archives carry no flag state.
func matchesOffline(spec rules.Search, header mail.Header, text string) bool {
	contains := func(haystack, needle string) bool {
		return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
	}

	if spec.From != "" && !contains(header.Get("From"), spec.From) {
		return false
	}
	if spec.To != "" && !contains(header.Get("To"), spec.To) {
		return false
	}
	if spec.Subject != "" && !contains(header.Get("Subject"), spec.Subject) {
		return false
	}
	if spec.Body != "" && !contains(text, spec.Body) {
		return false
	}
	if spec.SinceDays > 0 {
		date, err := header.Date()
		if err != nil || date.Before(time.Now().AddDate(0, 0, -spec.SinceDays)) {
			return false
		}
	}
	return true
}
