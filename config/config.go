package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config captures everything needed to run the sync. Values come from CLI
// flags first, then MAILSYNC_* environment variables (optionally loaded from
// a .env file), then defaults.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool

	InboxFolder        string
	ProcessedFolder    string
	NotProcessedFolder string

	APIBaseURL string
	APIToken   string

	DateFormat string
	SaveDir    string
	RulesPath  string

	LogLevel string
	LogDir   string
}

// RegisterFlags attaches the sync flags to the provided command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 0, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("inbox-folder", "", "Mailbox folder searched for messages")
	flags.String("processed-folder", "", "Folder that receives successfully processed messages")
	flags.String("not-processed-folder", "", "Folder that receives messages that failed processing")
	flags.String("api-url", "", "Base URL of the attachment inventory API")
	flags.String("api-token", "", "Bearer token for the inventory API")
	flags.String("date-format", "", "Go time layout for formatted reception dates")
	flags.String("save-dir", "", "Directory to persist attachments to (disabled when empty)")
	flags.String("rules", "", "Path to the JSON rules file")
	flags.String("log-level", "", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for timestamped log files (stdout only when empty)")
}

// LoadConfig resolves the effective configuration from flags, environment
// and defaults, then validates it.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v, err := newEnv()
	if err != nil {
		return Config{}, err
	}

	flags := cmd.Flags()
	stringSetting := func(name, key string) string {
		if flags.Changed(name) {
			value, _ := flags.GetString(name)
			return value
		}
		return v.GetString(key)
	}
	intSetting := func(name, key string) int {
		if flags.Changed(name) {
			value, _ := flags.GetInt(name)
			return value
		}
		return v.GetInt(key)
	}
	boolSetting := func(name, key string) bool {
		if flags.Changed(name) {
			value, _ := flags.GetBool(name)
			return value
		}
		return v.GetBool(key)
	}

	cfg := Config{
		IMAPHost:           stringSetting("imap-host", "imap.host"),
		IMAPPort:           intSetting("imap-port", "imap.port"),
		IMAPUser:           stringSetting("imap-user", "imap.user"),
		IMAPPass:           stringSetting("imap-pass", "imap.pass"),
		UseTLS:             boolSetting("use-tls", "imap.tls"),
		InsecureSkipVerify: boolSetting("insecure-skip-verify", "imap.insecure_skip_verify"),
		InboxFolder:        stringSetting("inbox-folder", "folders.inbox"),
		ProcessedFolder:    stringSetting("processed-folder", "folders.processed"),
		NotProcessedFolder: stringSetting("not-processed-folder", "folders.not_processed"),
		APIBaseURL:         stringSetting("api-url", "api.url"),
		APIToken:           stringSetting("api-token", "api.token"),
		DateFormat:         stringSetting("date-format", "attachments.date_format"),
		SaveDir:            stringSetting("save-dir", "attachments.save_dir"),
		RulesPath:          stringSetting("rules", "rules.path"),
		LogLevel:           strings.ToLower(stringSetting("log-level", "log.level")),
		LogDir:             stringSetting("log-dir", "log.dir"),
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.SaveDir != "" {
		cfg.SaveDir = filepath.Clean(cfg.SaveDir)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// APIConfig is the subset of settings the diagnostic existence-check probe
// needs; it deliberately skips the IMAP and rules requirements.
type APIConfig struct {
	BaseURL     string
	Token       string
	InboxFolder string
}

// RegisterAPIFlags attaches only the inventory API flags to the command.
func RegisterAPIFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("api-url", "", "Base URL of the attachment inventory API")
	flags.String("api-token", "", "Bearer token for the inventory API")
	flags.String("inbox-folder", "", "Folder name recorded on the synthetic payload")
}

// LoadAPIConfig resolves the API settings from flags and environment.
func LoadAPIConfig(cmd *cobra.Command) (APIConfig, error) {
	v, err := newEnv()
	if err != nil {
		return APIConfig{}, err
	}

	flags := cmd.Flags()
	stringSetting := func(name, key string) string {
		if flags.Changed(name) {
			value, _ := flags.GetString(name)
			return value
		}
		return v.GetString(key)
	}

	cfg := APIConfig{
		BaseURL:     stringSetting("api-url", "api.url"),
		Token:       stringSetting("api-token", "api.token"),
		InboxFolder: stringSetting("inbox-folder", "folders.inbox"),
	}

	if cfg.BaseURL == "" {
		return APIConfig{}, fmt.Errorf("API base URL must be provided via --api-url or MAILSYNC_API_URL")
	}

	return cfg, nil
}

// newEnv builds the environment-backed settings source. A .env file in the
// working directory is folded in when present.
func newEnv() (*viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.insecure_skip_verify", false)
	v.SetDefault("folders.inbox", "INBOX")
	v.SetDefault("folders.processed", "Processed")
	v.SetDefault("folders.not_processed", "NotProcessed")
	v.SetDefault("attachments.date_format", "2006-01-02")
	v.SetDefault("log.level", "info")

	return v, nil
}

func validateConfig(cfg Config) error {
	if cfg.IMAPHost == "" {
		return fmt.Errorf("IMAP host must be provided via --imap-host or MAILSYNC_IMAP_HOST")
	}
	if cfg.IMAPUser == "" {
		return fmt.Errorf("IMAP user must be provided via --imap-user or MAILSYNC_IMAP_USER")
	}
	if cfg.IMAPPass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass or MAILSYNC_IMAP_PASS")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("IMAP port must be between 1 and 65535")
	}
	if cfg.APIBaseURL == "" {
		return fmt.Errorf("API base URL must be provided via --api-url or MAILSYNC_API_URL")
	}
	if cfg.RulesPath == "" {
		return fmt.Errorf("rules path must be provided via --rules or MAILSYNC_RULES_PATH")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	return nil
}
