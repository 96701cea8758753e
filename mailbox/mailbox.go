// Package mailbox drives the live IMAP session the sync runs against.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-attachment-sync/rules"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Inbox              string
}

// Client is one authenticated IMAP session with the inbox selected. It is
// reused for the whole run and must be closed by the caller.
type Client struct {
	opts   Options
	client *imapclient.Client
	logger *slog.Logger
}

// Connect dials the IMAP server, authenticates and selects the inbox.
// A connection failure here is fatal to the run.
func Connect(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Inbox == "" {
		opts.Inbox = "INBOX"
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	if _, err := client.Select(opts.Inbox, nil).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select %s: %w", opts.Inbox, err)
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "inbox", opts.Inbox, "tls", opts.UseTLS)
	}

	return &Client{opts: opts, client: client, logger: logger}, nil
}

// EnsureFolder creates the named mailbox if it does not exist yet.
func (c *Client) EnsureFolder(folder string) error {
	if err := c.client.Create(folder, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", folder, err)
	}
	if c.logger != nil {
		c.logger.Info("imap mailbox created", "mailbox", folder)
	}
	return nil
}

// Search runs the rule's search spec against the inbox and returns one
// handle per hit, ordered as the server returned them. Handles carry stable
// UIDs, so moving one message never invalidates the others.
func (c *Client) Search(ctx context.Context, spec rules.Search) ([]*Message, error) {
	criteria := BuildCriteria(spec, time.Now())

	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}

	uids := data.AllUIDs()
	messages := make([]*Message, 0, len(uids))
	for _, uid := range uids {
		messages = append(messages, &Message{client: c, uid: uid})
	}

	if c.logger != nil {
		c.logger.Debug("search finished", "hits", len(messages))
	}
	return messages, nil
}

// Close logs the session out and releases the connection.
func (c *Client) Close() error {
	if err := c.client.Logout().Wait(); err != nil {
		_ = c.client.Close()
		return fmt.Errorf("imap logout: %w", err)
	}
	return c.client.Close()
}

// BuildCriteria translates a rule search spec into IMAP search criteria.
// The reference time anchors the since_days window.
func BuildCriteria(spec rules.Search, now time.Time) *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{}

	if spec.From != "" {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "From", Value: spec.From})
	}
	if spec.To != "" {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "To", Value: spec.To})
	}
	if spec.Subject != "" {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "Subject", Value: spec.Subject})
	}
	if spec.Body != "" {
		criteria.Body = append(criteria.Body, spec.Body)
	}
	if spec.Unseen {
		criteria.NotFlag = append(criteria.NotFlag, imapv2.FlagSeen)
	}
	if spec.SinceDays > 0 {
		criteria.Since = now.AddDate(0, 0, -spec.SinceDays)
	}

	return criteria
}
