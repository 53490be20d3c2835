package cfg

import (
	"path/filepath"
	"time"
)

const (
	ModeRSSChecking    = "rss-checking"
	ModeEmailSending   = "email-sending"
	ModeServe          = "serve"
	ModeBounceChecking = "bounce-checking"
)

const (
	StorageFS     = "fs"
	StorageSQLite = "sqlite"
)

type Cfg struct {
	// Path is a feed directory for the one-shot modes and the data
	// directory for serve.
	Path string
	Mode string

	// Storage configuration
	Storage    string
	SQLitePath string

	// HTTP configuration
	Port         string
	BaseUrl      string
	APIAccessKey string

	// Scheduler configuration
	WorkerCount    int
	CheckSchedule  string
	SendSchedule   string
	BounceSchedule string
	TaskTimeout    time.Duration

	// Feed fetching
	UserAgent    string
	FetchTimeout time.Duration

	// Email configuration
	FromAddress  string
	BounceDomain string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPSecurity string
	SMTPTimeout  time.Duration

	// Bounce mailbox configuration
	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
	IMAPMailbox  string
	IMAPSecurity string
	IMAPTimeout  time.Duration

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}

// DataRoot is the directory holding every feed directory.
func (c *Cfg) DataRoot() string {
	if c.Mode == ModeServe {
		return filepath.Clean(c.Path)
	}
	return filepath.Dir(filepath.Clean(c.Path))
}

// FeedID is the feed a one-shot run works on. It is empty in serve mode.
func (c *Cfg) FeedID() string {
	if c.Mode == ModeServe {
		return ""
	}
	return filepath.Base(filepath.Clean(c.Path))
}

func (c *Cfg) DatabasePath() string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	return filepath.Join(c.DataRoot(), "rss-mailer.db")
}
