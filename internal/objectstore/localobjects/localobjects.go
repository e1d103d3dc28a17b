// Package localobjects implements the object-store half of the local
// filesystem backend (spec.md §6.2, §9 component C9): on-disk files with a
// ".meta" companion file per blob, used for offline/dev use as a drop-in
// for objectstore.Store. Not an alternate production path — spec.md's
// Non-goals exclude synchronizing between backends.
package localobjects

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"singletable/internal/objectstore"
)

// Store persists objects under root, one file per key plus a ".meta" JSON
// sidecar carrying content type and user metadata.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

type meta struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Store) path(key string) string  { return filepath.Join(s.root, filepath.FromSlash(key)) }
func (s *Store) metaPath(key string) string { return s.path(key) + ".meta" }

func (s *Store) Put(_ context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", key, err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return fmt.Errorf("writing object %s: %w", key, err)
	}
	m := meta{ContentType: contentType, Metadata: metadata}
	mb, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling metadata for %s: %w", key, err)
	}
	if err := os.WriteFile(s.metaPath(key), mb, 0o644); err != nil {
		return fmt.Errorf("writing metadata for %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (*objectstore.Object, error) {
	body, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &objectstore.ErrNotFound{Key: key}
		}
		return nil, fmt.Errorf("reading object %s: %w", key, err)
	}
	m, err := s.readMeta(key)
	if err != nil {
		return nil, err
	}
	return &objectstore.Object{Body: body, ContentType: m.ContentType, Metadata: m.Metadata}, nil
}

func (s *Store) Head(_ context.Context, key string) (map[string]string, bool, error) {
	if _, err := os.Stat(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat object %s: %w", key, err)
	}
	m, err := s.readMeta(key)
	if err != nil {
		return nil, false, err
	}
	return m.Metadata, true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting metadata for %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListPrefix(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".meta") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing objects under %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	obj, err := s.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	return s.Put(ctx, dstKey, obj.Body, obj.ContentType, obj.Metadata)
}

func (s *Store) readMeta(key string) (meta, error) {
	mb, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return meta{}, nil
		}
		return meta{}, fmt.Errorf("reading metadata for %s: %w", key, err)
	}
	var m meta
	if err := json.Unmarshal(mb, &m); err != nil {
		return meta{}, fmt.Errorf("unmarshaling metadata for %s: %w", key, err)
	}
	return m, nil
}

var _ objectstore.Store = (*Store)(nil)
