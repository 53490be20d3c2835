package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// LoadJSON decodes the value stored at key into v. A missing key is reported
// as ErrNotFound.
func LoadJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Load(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return nil
}

func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	return s.Save(ctx, key, data)
}

// FeedIDs returns the feeds that have a feed.json directly under the root.
func FeedIDs(ctx context.Context, s Store) ([]string, error) {
	keys, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, key := range keys {
		dir, file := path.Split(key)
		dir = strings.TrimSuffix(dir, "/")
		if file == "feed.json" && dir != "" && !strings.Contains(dir, "/") {
			ids = append(ids, dir)
		}
	}

	return ids, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid key %q", key)
		}
	}
	return nil
}

type scopedStore struct {
	store  Store
	prefix string
}

// Scoped returns a view of s where every key is relative to root.
func Scoped(s Store, root string) Store {
	return &scopedStore{store: s, prefix: strings.TrimSuffix(root, "/") + "/"}
}

func (s *scopedStore) Load(ctx context.Context, key string) ([]byte, error) {
	return s.store.Load(ctx, s.prefix+key)
}

func (s *scopedStore) Save(ctx context.Context, key string, data []byte) error {
	return s.store.Save(ctx, s.prefix+key, data)
}

func (s *scopedStore) Remove(ctx context.Context, key string) error {
	return s.store.Remove(ctx, s.prefix+key)
}

func (s *scopedStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.store.List(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}

	relative := make([]string, 0, len(keys))
	for _, key := range keys {
		relative = append(relative, strings.TrimPrefix(key, s.prefix))
	}
	return relative, nil
}
