// Package ingest downloads pending attachments and turns them into
// searchable text. Binary documents go through an external conversion tool
// under a hard timeout; plain-text families decode directly. Content hashes
// short-circuit re-extraction of duplicate files.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/storage"
)

// AttachmentFetcher is the slice of the Graph client the extractor needs.
type AttachmentFetcher interface {
	DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Report counts one ProcessPending pass. Skipped covers both deny-listed
// and unsupported attachments.
type Report struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Extractor drains the pending attachment queue with a bounded worker pool.
type Extractor struct {
	graph   AttachmentFetcher
	store   *storage.Store
	workers int
	timeout time.Duration
	tool    string
}

// New builds an extractor from config, applying the standard defaults
// (5 workers, 60s timeout, markitdown).
func New(g AttachmentFetcher, store *storage.Store, cfg config.ExtractionConfig) *Extractor {
	e := &Extractor{
		graph:   g,
		store:   store,
		workers: cfg.Workers,
		timeout: cfg.Timeout(),
		tool:    cfg.Tool,
	}
	if e.workers <= 0 {
		e.workers = 5
	}
	if e.timeout <= 0 {
		e.timeout = 60 * time.Second
	}
	if e.tool == "" {
		e.tool = "markitdown"
	}
	return e
}

// inlineJunk matches Outlook's auto-numbered inline images.
var inlineJunk = regexp.MustCompile(`^image\d+$`)

var denyPrefixes = []string{"signature", "logo", "banner", "footer", "header", "icon"}

// denied reports whether a filename stem identifies decorative content not
// worth extracting.
func denied(stem string) bool {
	if inlineJunk.MatchString(stem) {
		return true
	}
	for _, p := range denyPrefixes {
		if strings.HasPrefix(stem, p) {
			return true
		}
	}
	return false
}

func fileStem(name string) string {
	base := filepath.Base(name)
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

type extractionKind int

const (
	kindUnsupported extractionKind = iota
	kindText
	kindTool
)

var contentKinds = map[string]extractionKind{
	"application/pdf": kindTool,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   kindTool,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         kindTool,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": kindTool,
	"application/msword":            kindTool,
	"application/vnd.ms-excel":      kindTool,
	"application/vnd.ms-powerpoint": kindTool,
	"text/plain":                    kindText,
	"text/csv":                      kindText,
	"text/html":                     kindText,
	"text/markdown":                 kindText,
}

func classify(contentType string) extractionKind {
	mime := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return contentKinds[mime]
}

// ProcessPending extracts up to limit pending attachments, smallest first
// so quick wins land before large documents.
func (e *Extractor) ProcessPending(ctx context.Context, limit int) (Report, error) {
	pending, err := e.store.PendingAttachments(ctx, limit)
	if err != nil {
		return Report{}, err
	}
	if len(pending) == 0 {
		return Report{}, nil
	}

	var processed, failed, skipped int64
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup

	for _, att := range pending {
		select {
		case <-ctx.Done():
			wg.Wait()
			return Report{int(processed), int(failed), int(skipped)}, ctx.Err()
		case sem <- struct{}{}:
			wg.Add(1)
			go func(a storage.Attachment) {
				defer wg.Done()
				defer func() { <-sem }()
				switch e.processOne(ctx, a) {
				case storage.ExtractionSuccess:
					atomic.AddInt64(&processed, 1)
				case storage.ExtractionFailed, storage.ExtractionPending:
					atomic.AddInt64(&failed, 1)
				default:
					atomic.AddInt64(&skipped, 1)
				}
			}(att)
		}
	}
	wg.Wait()
	return Report{int(atomic.LoadInt64(&processed)), int(atomic.LoadInt64(&failed)), int(atomic.LoadInt64(&skipped))}, nil
}

// processOne runs one attachment to a terminal extraction state and
// returns it. State writes that fail are logged; the attachment stays
// pending and retries next pass.
func (e *Extractor) processOne(ctx context.Context, att storage.Attachment) storage.ExtractionStatus {
	if denied(fileStem(att.Filename)) {
		e.mark(ctx, att.ID, storage.ExtractionSkipped, "decorative attachment")
		return storage.ExtractionSkipped
	}

	kind := classify(att.ContentType)
	if kind == kindUnsupported {
		e.mark(ctx, att.ID, storage.ExtractionUnsupported, "unsupported content type "+att.ContentType)
		return storage.ExtractionUnsupported
	}

	data, err := e.graph.DownloadAttachment(ctx, att.MessageID, att.ID)
	if err != nil {
		e.mark(ctx, att.ID, storage.ExtractionFailed, "download: "+err.Error())
		return storage.ExtractionFailed
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])[:32]
	if err := e.store.SetContentHash(ctx, att.ID, hash, time.Now().UTC()); err != nil {
		logger.Warn("record content hash failed", "attachment_id", att.ID, "error", err.Error())
	}

	if text, err := e.store.FindExtractedTextByHash(ctx, hash); err == nil && text != "" {
		logger.Debug("duplicate content, reusing extraction",
			"attachment_id", att.ID, "hash", hash)
		if err := e.store.FinalizeExtraction(ctx, att.ID, text); err != nil {
			logger.Warn("finalize extraction failed", "attachment_id", att.ID, "error", err.Error())
			return storage.ExtractionPending
		}
		return storage.ExtractionSuccess
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("hash lookup failed", "attachment_id", att.ID, "error", err.Error())
	}

	var text string
	if kind == kindText {
		text = string(data)
	} else {
		text, err = e.runTool(ctx, att.Filename, data)
		if err != nil {
			e.mark(ctx, att.ID, storage.ExtractionFailed, err.Error())
			return storage.ExtractionFailed
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		e.mark(ctx, att.ID, storage.ExtractionFailed, "empty extraction output")
		return storage.ExtractionFailed
	}

	if err := e.store.FinalizeExtraction(ctx, att.ID, text); err != nil {
		logger.Warn("finalize extraction failed", "attachment_id", att.ID, "error", err.Error())
		return storage.ExtractionPending
	}
	return storage.ExtractionSuccess
}

func (e *Extractor) mark(ctx context.Context, id string, status storage.ExtractionStatus, msg string) {
	if err := e.store.MarkExtractionState(ctx, id, status, msg); err != nil {
		logger.Warn("mark extraction state failed", "attachment_id", id, "error", err.Error())
	}
}

// runTool converts a binary document in an isolated temp dir. The tool gets
// the input path as its only argument; output is the first .md or .txt file
// it produces, falling back to stdout.
func (e *Extractor) runTool(ctx context.Context, filename string, data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "inbox-extract-")
	if err != nil {
		return "", fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, safeName(filename))
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return "", fmt.Errorf("write input: %w", err)
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	cmd := exec.CommandContext(toolCtx, e.tool, input)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s timed out after %s", e.tool, e.timeout)
		}
		return "", fmt.Errorf("%s: %w: %s", e.tool, err, firstLine(stderr.String()))
	}

	inputBase := filepath.Base(input)
	entries, _ := os.ReadDir(dir)
	for _, ent := range entries {
		name := ent.Name()
		if name == inputBase || ent.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".md", ".txt":
			out, err := os.ReadFile(filepath.Join(dir, name))
			if err == nil {
				return string(out), nil
			}
		}
	}
	return stdout.String(), nil
}

// safeName flattens a client-supplied filename to a single path element,
// keeping the extension for tools that sniff by it.
func safeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, base)
	if base == "" || base == "." || base == ".." {
		return "attachment"
	}
	return base
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
