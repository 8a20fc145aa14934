package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileLock is a lease held as a file whose content is the owner's token.
// Staleness is judged by modification time against the TTL, so a crashed
// holder is displaced after one TTL without manual cleanup.
type FileLock struct {
	path  string
	token string
	ttl   time.Duration
}

func NewFileLock(path string, ttl time.Duration) *FileLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &FileLock{path: path, token: hex.EncodeToString(b), ttl: ttl}
}

func (l *FileLock) Acquire(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("prepare lock dir: %w", err)
	}
	// Second attempt covers the case where a stale file was just cleared.
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(l.token + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return false, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			return true, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return false, fmt.Errorf("create lock file: %w", err)
		}
		st, serr := os.Stat(l.path)
		if serr != nil {
			// Holder released between the open and the stat.
			continue
		}
		if time.Since(st.ModTime()) < l.ttl {
			return false, nil
		}
		if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return false, fmt.Errorf("clear stale lock: %w", rerr)
		}
	}
	return false, nil
}

// Extend bumps the file's modification time, restarting the staleness
// clock. The ttl argument is fixed at construction for this backend.
func (l *FileLock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.owned() {
		return errors.New("lease not held")
	}
	now := time.Now()
	return os.Chtimes(l.path, now, now)
}

func (l *FileLock) Release(ctx context.Context) error {
	if !l.owned() {
		return nil
	}
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *FileLock) owned() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == l.token
}
