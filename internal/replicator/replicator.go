// Package replicator mirrors mailbox folders into the local store using
// Graph delta queries. Each folder advances independently: pages commit in
// their own transactions and the delta token is persisted only with the
// final page of a round, so an aborted round retries from the previous
// token with idempotent upserts absorbing the overlap.
package replicator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/inbox-intel/internal/graph"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/storage"
)

// GraphAPI is the slice of the Graph client the replicator uses.
type GraphAPI interface {
	ListFolders(ctx context.Context) ([]graph.Folder, error)
	ListMessages(ctx context.Context, folderID, pageURL string, opts graph.ListOptions) (*graph.MessagePage, error)
	DeltaURL(folderID string) string
	DeltaPage(ctx context.Context, link string) (*graph.DeltaPage, error)
	GetMessageBody(ctx context.Context, messageID string) (*graph.ItemBody, error)
	ListAttachments(ctx context.Context, messageID string) ([]graph.AttachmentMeta, error)
}

// Replicator drives folder synchronization for one mailbox.
type Replicator struct {
	graph GraphAPI
	store *storage.Store
	user  string
}

// New builds a replicator for the delegated user's mailbox.
func New(g GraphAPI, store *storage.Store, delegatedUser string) *Replicator {
	return &Replicator{
		graph: g,
		store: store,
		user:  strings.ToLower(strings.TrimSpace(delegatedUser)),
	}
}

// Summary aggregates one SyncAllFolders pass.
type Summary struct {
	Folders  int `json:"folders"`
	Skipped  int `json:"skipped"`
	Synced   int `json:"synced"`
	Deleted  int `json:"deleted"`
	Failures int `json:"failures"`
}

// Folders that never feed the pipeline.
var skippedFolders = map[string]struct{}{
	"deleted items": {},
	"drafts":        {},
	"outbox":        {},
	"junk email":    {},
}

func skipFolder(displayName string) bool {
	_, ok := skippedFolders[strings.ToLower(displayName)]
	return ok
}

// FullSyncFolder replays a folder from scratch and captures a fresh delta
// token. Returns the number of messages written.
func (r *Replicator) FullSyncFolder(ctx context.Context, folderID string, fetchBody bool) (int, error) {
	return r.fullSync(ctx, folderID, time.Time{}, fetchBody, storage.SyncInitial)
}

func (r *Replicator) fullSync(ctx context.Context, folderID string, since time.Time, fetchBody bool, kind storage.SyncKind) (int, error) {
	total := 0
	pageURL := ""
	for {
		page, err := r.graph.ListMessages(ctx, folderID, pageURL, graph.ListOptions{Since: since})
		if err != nil {
			return total, fmt.Errorf("list folder %s: %w", folderID, err)
		}
		items := r.prepare(ctx, folderID, page.Value, fetchBody)
		if err := r.commitPage(ctx, items, nil); err != nil {
			return total, err
		}
		total += len(items.upserts)
		r.resolveSent(ctx, items.sentConvs)
		if page.NextLink == "" {
			break
		}
		pageURL = page.NextLink
	}

	// One delta round to mint the folder's first token. Its entries overlap
	// what pagination just wrote; the upserts absorb them.
	up, _, err := r.deltaRound(ctx, folderID, r.graph.DeltaURL(folderID), fetchBody, kind, total)
	if err != nil {
		return total, fmt.Errorf("capture delta token for %s: %w", folderID, err)
	}
	logger.Info("folder synced from scratch",
		"folder_id", folderID, "messages", total, "delta_overlap", up)
	return total, nil
}

// DeltaSyncFolder advances a folder from its stored token. An expired token
// falls back to a full re-sync.
func (r *Replicator) DeltaSyncFolder(ctx context.Context, folderID string, fetchBody bool) (int, int, error) {
	st, err := r.store.GetSyncState(ctx, folderID)
	if errors.Is(err, storage.ErrNotFound) {
		n, ferr := r.FullSyncFolder(ctx, folderID, fetchBody)
		return n, 0, ferr
	}
	if err != nil {
		return 0, 0, err
	}
	if st.DeltaToken == nil || *st.DeltaToken == "" {
		n, ferr := r.FullSyncFolder(ctx, folderID, fetchBody)
		return n, 0, ferr
	}

	updated, deleted, err := r.deltaRound(ctx, folderID, *st.DeltaToken, fetchBody, storage.SyncDelta, int(st.MessagesSynced))
	if errors.Is(err, graph.ErrDeltaExpired) {
		logger.Warn("delta token expired, re-syncing folder", "folder_id", folderID)
		if err := r.store.ClearSyncState(ctx, folderID); err != nil {
			return updated, deleted, err
		}
		n, ferr := r.fullSync(ctx, folderID, time.Time{}, fetchBody, storage.SyncFull)
		return n, 0, ferr
	}
	return updated, deleted, err
}

// SyncAllFolders syncs every non-excluded folder: delta when a token
// exists, otherwise an initial sync bounded by since (zero means the whole
// folder). Per-folder failures are counted and logged without stopping the
// pass.
func (r *Replicator) SyncAllFolders(ctx context.Context, since time.Time, fetchBody bool) (Summary, error) {
	var sum Summary
	folders, err := r.graph.ListFolders(ctx)
	if err != nil {
		return sum, fmt.Errorf("list folders: %w", err)
	}
	for _, f := range folders {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if skipFolder(f.DisplayName) {
			sum.Skipped++
			continue
		}
		sum.Folders++

		st, err := r.store.GetSyncState(ctx, f.ID)
		hasToken := err == nil && st.DeltaToken != nil && *st.DeltaToken != ""
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Error("read sync state", "folder_id", f.ID, "error", err.Error())
			sum.Failures++
			continue
		}

		if hasToken {
			up, del, derr := r.DeltaSyncFolder(ctx, f.ID, fetchBody)
			sum.Synced += up
			sum.Deleted += del
			if derr != nil {
				logger.Error("delta sync failed", "folder_id", f.ID, "error", derr.Error())
				sum.Failures++
			}
			continue
		}

		n, ferr := r.fullSync(ctx, f.ID, since, fetchBody, storage.SyncInitial)
		sum.Synced += n
		if ferr != nil {
			logger.Error("initial sync failed", "folder_id", f.ID, "error", ferr.Error())
			sum.Failures++
		}
	}
	return sum, nil
}

// deltaRound follows a delta link to completion. The final page's
// transaction also persists the new token, with the folder counter set to
// baseCount plus this round's writes.
func (r *Replicator) deltaRound(ctx context.Context, folderID, link string, fetchBody bool, kind storage.SyncKind, baseCount int) (int, int, error) {
	updated, deleted := 0, 0
	for link != "" {
		page, err := r.graph.DeltaPage(ctx, link)
		if err != nil {
			return updated, deleted, err
		}
		items := r.prepare(ctx, folderID, page.Value, fetchBody)

		var st *storage.SyncState
		if page.DeltaLink != "" {
			token := page.DeltaLink
			st = &storage.SyncState{
				FolderID:       folderID,
				DeltaToken:     &token,
				SyncKind:       kind,
				MessagesSynced: int64(baseCount + updated + len(items.upserts)),
			}
		}
		if err := r.commitPage(ctx, items, st); err != nil {
			return updated, deleted, err
		}
		updated += len(items.upserts)
		deleted += len(items.removals)
		r.resolveSent(ctx, items.sentConvs)

		if page.DeltaLink != "" {
			break
		}
		link = page.NextLink
	}
	return updated, deleted, nil
}

// pageItems is one page's worth of prepared writes.
type pageItems struct {
	upserts     []*storage.Message
	attachments []*storage.Attachment
	removals    []string
	sentConvs   []string
}

// prepare maps a page of Graph entries to store writes. Body and attachment
// fetch failures degrade to metadata-only rows and are retried implicitly
// on the next change to the message.
func (r *Replicator) prepare(ctx context.Context, folderID string, entries []graph.Message, fetchBody bool) pageItems {
	var items pageItems
	seenConv := make(map[string]struct{})
	for _, gm := range entries {
		if gm.Removed != nil {
			logger.Debug("message removed upstream", "message_id", gm.ID, "reason", gm.Removed.Reason)
			items.removals = append(items.removals, gm.ID)
			continue
		}
		m := mapMessage(folderID, gm)
		if fetchBody {
			body, err := r.graph.GetMessageBody(ctx, gm.ID)
			if err != nil {
				logger.Warn("fetch body failed", "message_id", gm.ID, "error", err.Error())
			} else if body.Content != "" {
				html := body.Content
				sum := sha256.Sum256([]byte(html))
				m.BodyHTML = &html
				m.BodyHash = hex.EncodeToString(sum[:])
			}
		}
		items.upserts = append(items.upserts, m)

		if gm.HasAttachments {
			metas, err := r.graph.ListAttachments(ctx, gm.ID)
			if err != nil {
				logger.Warn("list attachments failed", "message_id", gm.ID, "error", err.Error())
			}
			for _, am := range metas {
				if !am.IsFileAttachment() || am.IsInline {
					continue
				}
				items.attachments = append(items.attachments, &storage.Attachment{
					ID:               am.ID,
					MessageID:        gm.ID,
					Filename:         am.Name,
					ContentType:      am.ContentType,
					SizeBytes:        am.Size,
					ExtractionStatus: storage.ExtractionPending,
				})
			}
		}

		if r.user != "" && m.SenderEmail == r.user && m.ConversationID != nil {
			if _, dup := seenConv[*m.ConversationID]; !dup {
				seenConv[*m.ConversationID] = struct{}{}
				items.sentConvs = append(items.sentConvs, *m.ConversationID)
			}
		}
	}
	return items
}

// commitPage writes one prepared page atomically. When st is non-nil the
// sync cursor advances in the same transaction.
func (r *Replicator) commitPage(ctx context.Context, items pageItems, st *storage.SyncState) error {
	if len(items.upserts) == 0 && len(items.attachments) == 0 && len(items.removals) == 0 && st == nil {
		return nil
	}
	return r.store.WithTx(ctx, func(tx *storage.Tx) error {
		for _, m := range items.upserts {
			if err := tx.UpsertMessage(ctx, m); err != nil {
				return err
			}
		}
		for _, a := range items.attachments {
			if err := tx.UpsertAttachmentMeta(ctx, a); err != nil {
				return err
			}
		}
		for _, id := range items.removals {
			if err := tx.DeleteMessage(ctx, id); err != nil {
				return err
			}
		}
		if st != nil {
			if err := tx.SaveSyncState(ctx, st); err != nil {
				return err
			}
		}
		return nil
	})
}

// resolveSent closes open reply tracking for conversations the user has
// just answered.
func (r *Replicator) resolveSent(ctx context.Context, conversationIDs []string) {
	for _, convID := range conversationIDs {
		n, err := r.store.ResolveRepliesForConversation(ctx, convID, time.Now().UTC())
		if err != nil {
			logger.Warn("resolve replies failed", "conversation_id", convID, "error", err.Error())
			continue
		}
		if n > 0 {
			logger.Info("reply sent, tracking resolved", "conversation_id", convID, "resolved", n)
		}
	}
}

func mapMessage(folderID string, gm graph.Message) *storage.Message {
	m := &storage.Message{
		ID:             gm.ID,
		Subject:        gm.Subject,
		BodyPreview:    gm.BodyPreview,
		ReceivedAt:     gm.ReceivedDateTime.UTC(),
		HasAttachments: gm.HasAttachments,
		IsRead:         gm.IsRead,
		FolderID:       folderID,
		ETag:           gm.ChangeKey,
		WebLink:        gm.WebLink,
	}
	if gm.ParentFolderID != "" {
		m.FolderID = gm.ParentFolderID
	}
	if gm.ConversationID != "" {
		conv := gm.ConversationID
		m.ConversationID = &conv
	}
	if gm.InternetMessageID != "" {
		imid := gm.InternetMessageID
		m.InternetMessageID = &imid
	}
	from := gm.From
	if from == nil {
		from = gm.Sender
	}
	if from != nil {
		m.SenderName = from.EmailAddress.Name
		m.SenderEmail = strings.ToLower(from.EmailAddress.Address)
	}
	m.ToRecipients = addresses(gm.ToRecipients)
	m.CcRecipients = addresses(gm.CcRecipients)
	return m
}

func addresses(recipients []graph.Recipient) storage.StringList {
	out := make(storage.StringList, 0, len(recipients))
	for _, r := range recipients {
		if addr := r.EmailAddress.Address; addr != "" {
			out = append(out, strings.ToLower(addr))
		}
	}
	return out
}
