package feed

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lysyi3m/rss-mailer/app/apperr"
	"github.com/lysyi3m/rss-mailer/app/storage"
)

const ConfigKey = "feed.json"

var (
	feedIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	validate      = validator.New(validator.WithRequiredStructEnabled())
)

// ValidateFeedID rejects IDs that cannot serve as a storage root or as the
// prefix of a subscriber ID.
func ValidateFeedID(id string) error {
	if !feedIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("invalid feed id %q", id)
	}
	return nil
}

// LoadConfig reads and validates feed.json from a store scoped to the feed.
func LoadConfig(ctx context.Context, s storage.Store, feedID string) (*Config, error) {
	if err := ValidateFeedID(feedID); err != nil {
		return nil, apperr.Configuration("load feed settings", err)
	}

	var cfg Config
	if err := storage.LoadJSON(ctx, s, ConfigKey, &cfg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Configuration("load feed settings", fmt.Errorf("%s not found for feed %s", ConfigKey, feedID))
		}
		if apperr.KindOf(err) == apperr.KindStorage {
			return nil, err
		}
		return nil, apperr.Configuration("load feed settings", err)
	}

	cfg.ID = feedID
	cfg.EmailSubjectSpec = strings.TrimSpace(cfg.EmailSubjectSpec)
	if cfg.EmailSubjectSpec == "" {
		cfg.EmailSubjectSpec = SubjectItemTitle
	}
	if strings.TrimSpace(cfg.EmailBodySpec) == "" {
		cfg.EmailBodySpec = BodyFullItemText
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, apperr.Configuration("load feed settings", fmt.Errorf("invalid %s for feed %s: %w", ConfigKey, feedID, err))
	}

	return &cfg, nil
}

func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if _, err := ParseBodySpec(cfg.EmailBodySpec); err != nil {
		return err
	}

	for i, filter := range cfg.Filters {
		if len(filter.Includes) == 0 && len(filter.Excludes) == 0 {
			return fmt.Errorf("filter at index %d must have at least one include or exclude rule", i)
		}
	}

	return nil
}

// ParseBodySpec accepts "full-item-text" or "<N> words" with N > 0.
func ParseBodySpec(spec string) (BodySpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == BodyFullItemText {
		return BodySpec{FullText: true}, nil
	}

	count, unit, ok := strings.Cut(spec, " ")
	if !ok || strings.TrimSpace(unit) != "words" {
		return BodySpec{}, fmt.Errorf("invalid email body spec %q", spec)
	}

	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return BodySpec{}, fmt.Errorf("invalid word count in email body spec %q", spec)
	}

	return BodySpec{Words: n}, nil
}
