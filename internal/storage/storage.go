// Package storage holds derived artifacts and their logs. Keys are relative,
// slash-separated paths produced by the convert layout.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
)

type Store interface {
	// Exists reports whether a finished object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Promote moves a completed scratch file into place under key. Readers
	// never observe a partially written object.
	Promote(ctx context.Context, scratchPath, key string) error
	PutText(ctx context.Context, key, text string) error
	// Remove deletes the object under key. A missing object is not an error.
	Remove(ctx context.Context, key string) error
	// URL is the public locator of key.
	URL(key string) string
}

// Local stores objects on a billy filesystem rooted at the derived-artifact
// base directory.
type Local struct {
	FS      billy.Filesystem
	BaseURL string
}

func NewLocal(baseDir, baseURL string) *Local {
	return &Local{FS: osfs.New(baseDir), BaseURL: baseURL}
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	_, err := l.FS.Stat(cleanKey(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *Local) Promote(ctx context.Context, scratchPath, key string) error {
	src, err := os.Open(scratchPath)
	if err != nil {
		return fmt.Errorf("open scratch: %w", err)
	}
	defer src.Close()
	return l.write(ctx, key, src)
}

func (l *Local) PutText(ctx context.Context, key, text string) error {
	return l.write(ctx, key, strings.NewReader(text))
}

func (l *Local) Remove(_ context.Context, key string) error {
	err := l.FS.Remove(cleanKey(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) write(_ context.Context, key string, r io.Reader) error {
	key = cleanKey(key)
	if key == "" {
		return errors.New("storage key is required")
	}
	if err := l.FS.MkdirAll(path.Dir(key), 0o755); err != nil {
		return err
	}
	tmp := path.Join(path.Dir(key), "."+path.Base(key)+".tmp-"+uuid.NewString())
	f, err := l.FS.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = l.FS.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = l.FS.Remove(tmp)
		return err
	}
	if err := l.FS.Remove(key); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = l.FS.Remove(tmp)
		return err
	}
	if err := l.FS.Rename(tmp, key); err != nil {
		_ = l.FS.Remove(tmp)
		return err
	}
	return nil
}

func (l *Local) URL(key string) string {
	return JoinURL(l.BaseURL, key)
}

// Path is the location of key inside the local filesystem.
func (l *Local) Path(key string) string {
	return l.FS.Join(l.FS.Root(), cleanKey(key))
}

// JoinURL appends a key to a base locator.
func JoinURL(base, key string) string {
	if base == "" {
		return cleanKey(key)
	}
	return strings.TrimRight(base, "/") + "/" + cleanKey(key)
}

func cleanKey(key string) string {
	return strings.TrimLeft(path.Clean("/"+strings.TrimSpace(key)), "/")
}
