// Package subscribers keeps the per-feed subscriber index. Subscribers are
// addressed by the salted hash of their address.
package subscribers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lysyi3m/rss-mailer/app/apperr"
	"github.com/lysyi3m/rss-mailer/app/storage"
)

const IndexKey = "emails.json"

var validate = validator.New()

type HashedEmail struct {
	EmailAddress string
	SaltedHash   string
	IsConfirmed  bool
}

// InvalidEmail is an index entry that could not be read. Raw is kept so the
// entry survives a later Save.
type InvalidEmail struct {
	SaltedHash string
	Raw        json.RawMessage
	Reason     string
}

func (e InvalidEmail) String() string {
	return fmt.Sprintf("%s: %s (%s)", e.SaltedHash, e.Reason, e.Raw)
}

type List struct {
	Valid   []HashedEmail
	Invalid []InvalidEmail
}

type entryRecord struct {
	EmailAddress string `json:"emailAddress"`
	IsConfirmed  bool   `json:"isConfirmed"`
}

type Store struct {
	store storage.Store
}

// NewStore expects a store scoped to the feed root.
func NewStore(s storage.Store) *Store {
	return &Store{store: s}
}

// Hash is the public identity token of an address within a feed.
func Hash(address, salt string) string {
	sum := sha256.Sum256([]byte(salt + address))
	return hex.EncodeToString(sum[:])
}

// NormalizeAddress trims and lower-cases an address and checks its syntax.
func NormalizeAddress(address string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if err := validate.Var(normalized, "required,email"); err != nil {
		return "", fmt.Errorf("invalid email address %q", address)
	}
	return normalized, nil
}

func NewHashedEmail(address, salt string, confirmed bool) (HashedEmail, error) {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return HashedEmail{}, apperr.Validation("add subscriber", err)
	}
	return HashedEmail{
		EmailAddress: normalized,
		SaltedHash:   Hash(normalized, salt),
		IsConfirmed:  confirmed,
	}, nil
}

// Load reads the subscriber index. A missing index is an empty list.
func (s *Store) Load(ctx context.Context) (*List, error) {
	data, err := s.store.Load(ctx, IndexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &List{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscribers: %w", err)
	}

	var index map[string]json.RawMessage
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, apperr.Storage("decode subscribers", IndexKey, err)
	}

	hashes := make([]string, 0, len(index))
	for hash := range index {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	list := &List{}
	for _, hash := range hashes {
		email, reason := decodeEntry(hash, index[hash])
		if reason != "" {
			list.Invalid = append(list.Invalid, InvalidEmail{SaltedHash: hash, Raw: index[hash], Reason: reason})
			continue
		}
		list.Valid = append(list.Valid, email)
	}

	return list, nil
}

// decodeEntry accepts a bare address string (legacy, confirmed) or a
// structured record.
func decodeEntry(hash string, raw json.RawMessage) (HashedEmail, string) {
	trimmed := bytes.TrimSpace(raw)

	var address string
	confirmed := true

	switch {
	case len(trimmed) > 0 && trimmed[0] == '"':
		if err := json.Unmarshal(trimmed, &address); err != nil {
			return HashedEmail{}, fmt.Sprintf("unreadable address string: %v", err)
		}
	case len(trimmed) > 0 && trimmed[0] == '{':
		var rec entryRecord
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return HashedEmail{}, fmt.Sprintf("unreadable subscriber record: %v", err)
		}
		address, confirmed = rec.EmailAddress, rec.IsConfirmed
	default:
		return HashedEmail{}, "entry is neither an address string nor a subscriber record"
	}

	normalized, err := NormalizeAddress(address)
	if err != nil {
		return HashedEmail{}, err.Error()
	}

	return HashedEmail{EmailAddress: normalized, SaltedHash: hash, IsConfirmed: confirmed}, ""
}

// Save overwrites the index with list. Invalid entries are written back as
// they were read.
func (s *Store) Save(ctx context.Context, list *List) error {
	index := make(map[string]any, len(list.Valid)+len(list.Invalid))
	for _, inv := range list.Invalid {
		index[inv.SaltedHash] = inv.Raw
	}
	for _, email := range list.Valid {
		index[email.SaltedHash] = entryRecord{EmailAddress: email.EmailAddress, IsConfirmed: email.IsConfirmed}
	}

	if err := storage.SaveJSON(ctx, s.store, IndexKey, index); err != nil {
		return fmt.Errorf("failed to save subscribers: %w", err)
	}
	return nil
}

// Add inserts email unless its hash is already present. It reports whether
// the list changed.
func (l *List) Add(email HashedEmail) bool {
	if _, ok := l.FindByHash(email.SaltedHash); ok {
		return false
	}
	l.Valid = append(l.Valid, email)
	return true
}

func (l *List) Confirm(hash string) bool {
	for i := range l.Valid {
		if l.Valid[i].SaltedHash == hash {
			l.Valid[i].IsConfirmed = true
			return true
		}
	}
	return false
}

func (l *List) Remove(hash string) bool {
	for i := range l.Valid {
		if l.Valid[i].SaltedHash == hash {
			l.Valid = append(l.Valid[:i], l.Valid[i+1:]...)
			return true
		}
	}
	return false
}

func (l *List) FindByHash(hash string) (HashedEmail, bool) {
	for _, email := range l.Valid {
		if email.SaltedHash == hash {
			return email, true
		}
	}
	return HashedEmail{}, false
}

// Confirmed returns the confirmed subscribers sorted by address.
func (l *List) Confirmed() []HashedEmail {
	confirmed := make([]HashedEmail, 0, len(l.Valid))
	for _, email := range l.Valid {
		if email.IsConfirmed {
			confirmed = append(confirmed, email)
		}
	}
	sort.Slice(confirmed, func(i, j int) bool {
		return confirmed[i].EmailAddress < confirmed[j].EmailAddress
	})
	return confirmed
}

// SubscriberID is the token carried by confirm and unsubscribe links.
func SubscriberID(feedID, hash string) string {
	return feedID + "-" + hash
}

// ParseSubscriberID splits "<feedId>-<hash>" at the last hyphen, so feed IDs
// may themselves contain hyphens.
func ParseSubscriberID(id string) (feedID, hash string, err error) {
	i := strings.LastIndex(id, "-")
	if i <= 0 || i == len(id)-1 {
		return "", "", apperr.Validation("parse subscriber id", fmt.Errorf("malformed subscriber id %q", id))
	}
	return id[:i], id[i+1:], nil
}
