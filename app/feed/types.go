package feed

import (
	"time"

	"github.com/mmcdole/gofeed"
)

type RawFeedResponse struct {
	Body []byte
	// BaseURL is the requested feed URL, used to resolve relative item links.
	BaseURL string
}

type Item struct {
	Title       string
	Content     string
	Author      string
	PublishedAt time.Time
	Link        string
}

type InvalidItem struct {
	Reason string
	Raw    *gofeed.Item
}

type ParseResult struct {
	Title   string
	Valid   []Item
	Invalid []InvalidItem
}

type FilteredItem struct {
	Item   Item
	Reason string
}

const (
	ReasonTitleMissing     = "Post title is missing"
	ReasonContentMissing   = "Post content is missing"
	ReasonAuthorMissing    = "Post author is missing"
	ReasonTimestampMissing = "Post publication timestamp is missing"
	ReasonLinkMissing      = "Post link is missing"
)

func InvalidTimestampReason(v string) string {
	return "Post publication timestamp is not a valid date: " + v
}

func InvalidLinkReason(v string) string {
	return "Post link is not a valid URL: " + v
}

// Configuration types

const (
	SubjectItemTitle = "item-title"
	BodyFullItemText = "full-item-text"
)

// Config is the feed.json of one feed.
type Config struct {
	ID               string         `json:"-"`
	DisplayName      string         `json:"displayName" validate:"required"`
	URL              string         `json:"url" validate:"required,http_url"`
	HashingSalt      string         `json:"hashingSalt" validate:"min=16"`
	ReplyTo          string         `json:"replyTo" validate:"omitempty,email"`
	EmailSubjectSpec string         `json:"emailSubjectSpec"`
	EmailBodySpec    string         `json:"emailBodySpec"`
	Timeout          int            `json:"timeout,omitempty" validate:"gte=0"` // seconds
	ExtractContent   bool           `json:"extractContent,omitempty"`
	Filters          []ConfigFilter `json:"filters,omitempty" validate:"dive"`
}

type ConfigFilter struct {
	Field    string   `json:"field" validate:"oneof=title content author link"`
	Includes []string `json:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty"`
}

// BodySpec is the parsed form of emailBodySpec. Words is zero for full text.
type BodySpec struct {
	FullText bool
	Words    int
}
