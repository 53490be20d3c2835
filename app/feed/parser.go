package feed

import (
	"bytes"
	"cmp"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/lysyi3m/rss-mailer/app/apperr"
)

type Parser struct {
	gofeedParser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
	}
}

// Run parses a feed document and partitions its entries into valid and
// invalid items. Every entry lands in exactly one partition.
//
// The author is the first non-blank name among the entry authors, falling
// back to the channel authors. A person with a blank name but an email
// address counts as present, with the address used as the author.
func (p *Parser) Run(raw *RawFeedResponse) (*ParseResult, error) {
	parsed, err := p.gofeedParser.Parse(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, apperr.Validation("parse feed", err)
	}

	base, err := url.Parse(raw.BaseURL)
	if err != nil {
		return nil, apperr.Validation("parse feed", fmt.Errorf("invalid base URL %q: %w", raw.BaseURL, err))
	}

	result := &ParseResult{
		Title:   parsed.Title,
		Valid:   make([]Item, 0, len(parsed.Items)),
		Invalid: make([]InvalidItem, 0),
	}

	feedAuthor := personName(parsed.Author, parsed.Authors)

	for _, entry := range parsed.Items {
		item, reason := p.normalizeItem(entry, feedAuthor, base)
		if reason != "" {
			result.Invalid = append(result.Invalid, InvalidItem{Reason: reason, Raw: entry})
			continue
		}
		result.Valid = append(result.Valid, item)
	}

	return result, nil
}

func (p *Parser) normalizeItem(entry *gofeed.Item, feedAuthor string, base *url.URL) (Item, string) {
	title := strings.TrimSpace(entry.Title)
	if title == "" {
		return Item{}, ReasonTitleMissing
	}

	content := cmp.Or(strings.TrimSpace(entry.Content), strings.TrimSpace(entry.Description))
	if content == "" {
		return Item{}, ReasonContentMissing
	}

	author := cmp.Or(personName(entry.Author, entry.Authors), feedAuthor)
	if author == "" {
		return Item{}, ReasonAuthorMissing
	}

	publishedAt, reason := publicationTime(entry)
	if reason != "" {
		return Item{}, reason
	}

	link, reason := resolveLink(entry.Link, base)
	if reason != "" {
		return Item{}, reason
	}

	return Item{
		Title:       title,
		Content:     absolutizeContent(content, link),
		Author:      author,
		PublishedAt: publishedAt,
		Link:        link,
	}, ""
}

func publicationTime(entry *gofeed.Item) (time.Time, string) {
	raw, parsed := entry.Published, entry.PublishedParsed
	if strings.TrimSpace(raw) == "" {
		raw, parsed = entry.Updated, entry.UpdatedParsed
	}
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, ReasonTimestampMissing
	}
	if parsed == nil {
		return time.Time{}, InvalidTimestampReason(raw)
	}
	return parsed.UTC(), ""
}

func resolveLink(raw string, base *url.URL) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ReasonLinkMissing
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", InvalidLinkReason(raw)
	}

	resolved := base.ResolveReference(ref)
	if (resolved.Scheme != "http" && resolved.Scheme != "https") || resolved.Host == "" {
		return "", InvalidLinkReason(raw)
	}

	return resolved.String(), ""
}

func personName(person *gofeed.Person, people []*gofeed.Person) string {
	candidates := people
	if person != nil {
		candidates = append([]*gofeed.Person{person}, people...)
	}
	for _, p := range candidates {
		if p == nil {
			continue
		}
		if name := cmp.Or(strings.TrimSpace(p.Name), strings.TrimSpace(p.Email)); name != "" {
			return name
		}
	}
	return ""
}

// absolutizeContent rewrites relative href and src attributes against the
// item link. The content is returned untouched when nothing is relative.
func absolutizeContent(content, link string) string {
	base, err := url.Parse(link)
	if err != nil {
		return content
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return content
	}

	changed := false
	for _, attr := range []string{"href", "src"} {
		doc.Find("[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
			value, _ := s.Attr(attr)
			if strings.TrimSpace(value) == "" {
				return
			}
			ref, err := url.Parse(strings.TrimSpace(value))
			if err != nil || ref.IsAbs() || strings.HasPrefix(value, "#") {
				return
			}
			s.SetAttr(attr, base.ResolveReference(ref).String())
			changed = true
		})
	}

	if !changed {
		return content
	}

	html, err := doc.Find("body").Html()
	if err != nil {
		return content
	}
	return html
}
