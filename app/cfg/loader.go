package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/lysyi3m/rss-mailer/app/apperr"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

var validate = validator.New()

type rawCfg struct {
	ConfigFile string `long:"config" env:"CONFIG_FILE" description:"YAML file with option values keyed by long option name"`

	// Storage configuration
	Storage    string `long:"storage" env:"STORAGE" default:"fs" choice:"fs" choice:"sqlite" description:"Storage backend for feed data"`
	SQLitePath string `long:"sqlite-path" env:"SQLITE_PATH" description:"SQLite database file (default: <data-dir>/rss-mailer.db)"`

	// HTTP configuration
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port (serve mode)"`
	BaseUrl      string `long:"base-url" env:"BASE_URL" description:"Public base URL used in unsubscribe and confirmation links"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Scheduler configuration
	WorkerCount    int    `long:"worker-count" env:"WORKER_COUNT" default:"5" description:"Number of background workers (serve mode)"`
	CheckSchedule  string `long:"check-schedule" env:"CHECK_SCHEDULE" default:"*/30 * * * *" description:"Cron schedule for feed checks (serve mode)"`
	SendSchedule   string `long:"send-schedule" env:"SEND_SCHEDULE" default:"0 * * * *" description:"Cron schedule for email sending (serve mode)"`
	BounceSchedule string `long:"bounce-schedule" env:"BOUNCE_SCHEDULE" description:"Cron schedule for bounce checking (serve mode, optional)"`
	TaskTimeout    int    `long:"task-timeout" env:"TASK_TIMEOUT" default:"300" description:"Task timeout in seconds"`

	// Feed fetching
	UserAgent    string `long:"user-agent" env:"USER_AGENT" default:"RSS Mailer/1.0" description:"User agent string for HTTP requests"`
	FetchTimeout int    `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30" description:"Feed fetch timeout in seconds"`

	// Email configuration
	FromAddress  string `long:"from-address" env:"FROM_ADDRESS" description:"Sender address of outgoing emails"`
	BounceDomain string `long:"bounce-domain" env:"BOUNCE_DOMAIN" description:"Domain of the VERP envelope sender (optional)"`
	SMTPHost     string `long:"smtp-host" env:"SMTP_HOST" description:"SMTP server host"`
	SMTPPort     int    `long:"smtp-port" env:"SMTP_PORT" default:"587" description:"SMTP server port"`
	SMTPUsername string `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP username"`
	SMTPPassword string `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
	SMTPSecurity string `long:"smtp-security" env:"SMTP_SECURITY" default:"starttls" choice:"starttls" choice:"tls" choice:"none" description:"SMTP connection security"`
	SMTPTimeout  int    `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"60" description:"SMTP command timeout in seconds"`

	// Bounce mailbox configuration
	IMAPHost     string `long:"imap-host" env:"IMAP_HOST" description:"IMAP server host of the bounce mailbox"`
	IMAPPort     int    `long:"imap-port" env:"IMAP_PORT" default:"993" description:"IMAP server port"`
	IMAPUsername string `long:"imap-username" env:"IMAP_USERNAME" description:"IMAP username"`
	IMAPPassword string `long:"imap-password" env:"IMAP_PASSWORD" description:"IMAP password"`
	IMAPMailbox  string `long:"imap-mailbox" env:"IMAP_MAILBOX" default:"INBOX" description:"Mailbox receiving bounces"`
	IMAPSecurity string `long:"imap-security" env:"IMAP_SECURITY" default:"tls" choice:"tls" choice:"none" description:"IMAP connection security"`
	IMAPTimeout  int    `long:"imap-timeout" env:"IMAP_TIMEOUT" default:"60" description:"IMAP timeout in seconds"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`

	Args struct {
		Path string `positional-arg-name:"path" description:"Feed directory, or data directory in serve mode"`
		Mode string `positional-arg-name:"mode" description:"rss-checking, email-sending, bounce-checking or serve"`
	} `positional-args:"yes" required:"yes"`
}

// Load parses args, the environment and the optional YAML config file.
// Command-line options take precedence over the file, which takes precedence
// over the environment. It returns nil, nil when help was requested.
func Load(args []string) (*Cfg, error) {
	fileArgs, err := configFileArgs(args)
	if err != nil {
		return nil, apperr.Configuration("load config file", err)
	}

	var raw rawCfg
	parser := flags.NewParser(&raw, flags.Default)
	parser.Usage = "[OPTIONS] <path> <rss-checking|email-sending|bounce-checking|serve>"

	if _, err := parser.ParseArgs(append(fileArgs, args...)); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, apperr.Configuration("parse configuration", err)
	}

	cfg := &Cfg{
		Path:           raw.Args.Path,
		Mode:           raw.Args.Mode,
		Storage:        raw.Storage,
		SQLitePath:     raw.SQLitePath,
		Port:           raw.Port,
		BaseUrl:        strings.TrimSuffix(raw.BaseUrl, "/"),
		APIAccessKey:   raw.APIAccessKey,
		WorkerCount:    raw.WorkerCount,
		CheckSchedule:  raw.CheckSchedule,
		SendSchedule:   raw.SendSchedule,
		BounceSchedule: raw.BounceSchedule,
		TaskTimeout:    time.Duration(raw.TaskTimeout) * time.Second,
		UserAgent:      raw.UserAgent,
		FetchTimeout:   time.Duration(raw.FetchTimeout) * time.Second,
		FromAddress:    raw.FromAddress,
		BounceDomain:   raw.BounceDomain,
		SMTPHost:       raw.SMTPHost,
		SMTPPort:       raw.SMTPPort,
		SMTPUsername:   raw.SMTPUsername,
		SMTPPassword:   raw.SMTPPassword,
		SMTPSecurity:   raw.SMTPSecurity,
		SMTPTimeout:    time.Duration(raw.SMTPTimeout) * time.Second,
		IMAPHost:       raw.IMAPHost,
		IMAPPort:       raw.IMAPPort,
		IMAPUsername:   raw.IMAPUsername,
		IMAPPassword:   raw.IMAPPassword,
		IMAPMailbox:    raw.IMAPMailbox,
		IMAPSecurity:   raw.IMAPSecurity,
		IMAPTimeout:    time.Duration(raw.IMAPTimeout) * time.Second,
		Timezone:       raw.Timezone,
		Debug:          raw.Debug,
		Version:        GetVersion(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, apperr.Configuration("validate configuration", err)
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	return cfg, nil
}

// Validate checks the options the selected mode depends on.
func (c *Cfg) Validate() error {
	switch c.Mode {
	case ModeRSSChecking:
	case ModeEmailSending, ModeServe:
		if c.SMTPHost == "" {
			return fmt.Errorf("--smtp-host is required in %s mode", c.Mode)
		}
		if err := validate.Var(c.FromAddress, "required,email"); err != nil {
			return fmt.Errorf("--from-address must be an email address in %s mode", c.Mode)
		}
		if err := validate.Var(c.BaseUrl, "required,http_url"); err != nil {
			return fmt.Errorf("--base-url must be an http(s) URL in %s mode", c.Mode)
		}
		if c.BounceDomain != "" {
			if err := validate.Var(c.BounceDomain, "fqdn"); err != nil {
				return fmt.Errorf("--bounce-domain %q is not a domain name", c.BounceDomain)
			}
		}
	case ModeBounceChecking:
		if c.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required in %s mode", c.Mode)
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("--worker-count must be at least 1")
	}

	return nil
}

// configFileArgs turns the YAML file named by --config into option arguments
// placed ahead of the real ones, so later command-line values win.
func configFileArgs(args []string) ([]string, error) {
	path := os.Getenv("CONFIG_FILE")
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if value, ok := strings.CutPrefix(arg, "--config="); ok {
			path = value
		} else if arg == "--config" && i+1 < len(args) {
			path = args[i+1]
		}
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var result []string
	for _, key := range keys {
		if key == "config" {
			continue
		}
		switch value := values[key].(type) {
		case bool:
			if value {
				result = append(result, "--"+key)
			}
		case string, int, float64:
			result = append(result, fmt.Sprintf("--%s=%v", key, value))
		case nil:
		default:
			return nil, fmt.Errorf("option %q in %s must be a scalar", key, path)
		}
	}

	return result, nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return err
		}
		time.Local = loc
	}
	return nil
}
