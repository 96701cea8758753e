package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Search narrows which mailbox messages a rule applies to. Every field is
// optional; empty fields do not constrain the search.
type Search struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`
	Unseen    bool   `json:"unseen,omitempty"`
	SinceDays int    `json:"since_days,omitempty"`
}

// AttachmentMatch selects which of a message's own MIME attachments a rule
// extracts.
type AttachmentMatch struct {
	Filename string `json:"filename"`

	re *regexp.Regexp
}

// Matches reports whether an attachment filename is selected by this spec.
// An empty pattern selects every attachment.
func (m *AttachmentMatch) Matches(filename string) bool {
	if m.re == nil {
		return true
	}
	return m.re.MatchString(filename)
}

// URLPattern is one body-parser expression plus its JavaScript-style flag
// string ("i", "m", "s"; "g" is implied because all matches are collected).
type URLPattern struct {
	Pattern string `json:"pattern"`
	Flags   string `json:"flags,omitempty"`

	re *regexp.Regexp
}

// FindURLs returns all non-overlapping matches of the pattern in text, in
// order of appearance.
func (p *URLPattern) FindURLs(text string) []string {
	return p.re.FindAllString(text, -1)
}

// BodyParser extracts attachments referenced by URL inside a message's text
// body rather than attached directly.
type BodyParser struct {
	URLPatterns []URLPattern `json:"url_patterns"`
}

// Rule pairs a mailbox search with an attachment-extraction policy.
type Rule struct {
	Search      Search           `json:"search"`
	Attachments *AttachmentMatch `json:"attachments,omitempty"`
	BodyParser  *BodyParser      `json:"body_parser,omitempty"`
}

// Load reads an ordered rule list from a JSON file and validates its shape,
// compiling every pattern up front so a bad rule fails the run at startup
// instead of deep inside message processing.
func Load(path string) ([]Rule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("rules path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()

	var loaded []Rule
	if err := decoder.Decode(&loaded); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	for i := range loaded {
		if err := compileRule(&loaded[i]); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}

	return loaded, nil
}

func compileRule(rule *Rule) error {
	if rule.Search.SinceDays < 0 {
		return fmt.Errorf("search.since_days must not be negative")
	}

	if rule.Attachments != nil && rule.Attachments.Filename != "" {
		re, err := regexp.Compile(rule.Attachments.Filename)
		if err != nil {
			return fmt.Errorf("compile attachments.filename %q: %w", rule.Attachments.Filename, err)
		}
		rule.Attachments.re = re
	}

	if rule.BodyParser == nil {
		return nil
	}
	if len(rule.BodyParser.URLPatterns) == 0 {
		return fmt.Errorf("body_parser.url_patterns is empty")
	}
	for i := range rule.BodyParser.URLPatterns {
		pattern := &rule.BodyParser.URLPatterns[i]
		expr, err := translateFlags(pattern.Pattern, pattern.Flags)
		if err != nil {
			return fmt.Errorf("url_patterns[%d]: %w", i, err)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("url_patterns[%d]: compile %q: %w", i, pattern.Pattern, err)
		}
		pattern.re = re
	}

	return nil
}

// translateFlags maps a JavaScript RegExp flag string onto Go's inline flag
// syntax. The global flag is dropped because FindAllString already collects
// every match.
func translateFlags(pattern, flags string) (string, error) {
	var inline strings.Builder
	for _, flag := range flags {
		switch flag {
		case 'g':
		case 'i', 'm', 's':
			inline.WriteRune(flag)
		default:
			return "", fmt.Errorf("unsupported pattern flag %q", string(flag))
		}
	}
	if inline.Len() == 0 {
		return pattern, nil
	}
	return "(?" + inline.String() + ")" + pattern, nil
}
