// Package chunker segments synced message bodies and extracted attachment
// text into indexable chunks. Forwarded conversations embedded in a body are
// split into per-hop "virtual email" chunks so every message in the chain is
// searchable on its own, not just the outermost wrapper.
package chunker

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/storage"
)

const (
	// Attachment text at or below this length is short enough that the
	// extraction row itself serves as the searchable unit.
	minAttachmentChars = 2000

	// Packed attachment chunks land between these bounds, splitting on
	// paragraph breaks where possible.
	chunkMinBytes = 1024
	chunkMaxBytes = 2048

	// Consecutive chunks share roughly this much tail text so sentences
	// cut at a boundary stay findable from either side.
	overlapBytes = 200
)

// Report summarises one chunking pass.
type Report struct {
	Messages    int `json:"messages"`
	Attachments int `json:"attachments"`
	Chunks      int `json:"chunks"`
	Failed      int `json:"failed"`
}

// Chunker turns unchunked messages and attachments into chunk rows.
type Chunker struct {
	store *storage.Store
}

func New(store *storage.Store) *Chunker {
	return &Chunker{store: store}
}

// ProcessPending chunks up to limit messages and limit attachments that have
// no chunk rows yet. Failures are logged and counted per source; they do not
// stop the pass.
func (c *Chunker) ProcessPending(ctx context.Context, limit int) (Report, error) {
	var rep Report

	msgs, err := c.store.MessagesNeedingChunks(ctx, limit)
	if err != nil {
		return rep, err
	}
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		n, err := c.chunkMessage(ctx, &msgs[i])
		if err != nil {
			logger.Warn("chunk message failed", "message_id", msgs[i].ID, "error", err)
			rep.Failed++
			continue
		}
		rep.Messages++
		rep.Chunks += n
	}

	atts, err := c.store.AttachmentsNeedingChunks(ctx, minAttachmentChars, limit)
	if err != nil {
		return rep, err
	}
	for i := range atts {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		n, err := c.chunkAttachment(ctx, &atts[i])
		if err != nil {
			logger.Warn("chunk attachment failed", "attachment_id", atts[i].ID, "error", err)
			rep.Failed++
			continue
		}
		rep.Attachments++
		rep.Chunks += n
	}

	if rep.Chunks > 0 || rep.Failed > 0 {
		logger.Info("chunking pass complete",
			"messages", rep.Messages,
			"attachments", rep.Attachments,
			"chunks", rep.Chunks,
			"failed", rep.Failed)
	}
	return rep, nil
}

// chunkMessage emits one email chunk for the author's own text plus one
// virtual_email chunk per message embedded in a forwarded chain. Quoted
// reply material is stripped so the chunk carries only new content.
func (c *Chunker) chunkMessage(ctx context.Context, m *storage.Message) (int, error) {
	body := ""
	if m.BodyMarkdown != nil {
		body = strings.TrimSpace(*m.BodyMarkdown)
	}
	if body == "" {
		body = strings.TrimSpace(m.BodyPreview)
	}

	lead, chain := splitForwardChain(body)

	var chunks []*storage.Chunk
	if len(chain) > 0 {
		if lead != "" {
			chunks = append(chunks, &storage.Chunk{
				SourceType: storage.SourceEmail,
				SourceID:   m.ID,
				ChunkIndex: 0,
				Content:    lead,
			})
		}
		for i, em := range chain {
			meta := storage.MetaMap{
				"source_email_id":   m.ID,
				"position_in_chain": i + 1,
			}
			if sender := em.senderAddr; sender != "" {
				meta["extracted_sender"] = sender
			} else if em.sender != "" {
				meta["extracted_sender"] = em.sender
			}
			if em.subject != "" {
				meta["extracted_subject"] = em.subject
			}
			if em.date != "" {
				meta["extracted_date"] = em.date
			}
			chunks = append(chunks, &storage.Chunk{
				SourceType: storage.SourceVirtualEmail,
				SourceID:   m.ID,
				ChunkIndex: i,
				Content:    em.render(),
				Metadata:   meta,
			})
		}
	} else {
		content := stripQuoted(body)
		if content == "" {
			// All-quote replies and bodyless invites still deserve a
			// row so the message surfaces in chunk search.
			content = body
		}
		if content == "" {
			content = strings.TrimSpace(m.Subject)
		}
		if content != "" {
			chunks = append(chunks, &storage.Chunk{
				SourceType: storage.SourceEmail,
				SourceID:   m.ID,
				ChunkIndex: 0,
				Content:    content,
			})
		}
	}

	for _, ch := range chunks {
		if err := c.store.InsertChunk(ctx, ch); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

// chunkAttachment packs extracted text into overlapping chunks with exact
// source offsets. The caller's query guarantees the text clears the minimum
// length, so no re-check happens here.
func (c *Chunker) chunkAttachment(ctx context.Context, a *storage.Attachment) (int, error) {
	if a.ExtractedText == nil {
		return 0, fmt.Errorf("attachment %s has no extracted text", a.ID)
	}
	text := *a.ExtractedText
	spans := packText(text)
	for i, sp := range spans {
		start, end := sp.start, sp.end
		ch := &storage.Chunk{
			SourceType:  storage.SourceAttachment,
			SourceID:    a.ID,
			ChunkIndex:  i,
			Content:     text[start:end],
			StartOffset: &start,
			EndOffset:   &end,
		}
		if err := c.store.InsertChunk(ctx, ch); err != nil {
			return 0, err
		}
	}
	return len(spans), nil
}

// embeddedEmail is one message recovered from a forwarded chain. sender
// keeps the raw header value for display; senderAddr is the bare lowercased
// address when one could be found.
type embeddedEmail struct {
	sender     string
	senderAddr string
	date       string
	subject    string
	body       string
}

// render rebuilds a compact header-plus-body form so the recovered headers
// are lexically searchable inside the chunk content itself.
func (e embeddedEmail) render() string {
	var b strings.Builder
	if e.sender != "" {
		fmt.Fprintf(&b, "From: %s\n", e.sender)
	}
	if e.date != "" {
		fmt.Fprintf(&b, "Date: %s\n", e.date)
	}
	if e.subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", e.subject)
	}
	if b.Len() > 0 && e.body != "" {
		b.WriteString("\n")
	}
	b.WriteString(e.body)
	return strings.TrimSpace(b.String())
}

var (
	// Header lines survive markdown conversion with optional bold
	// markers and blockquote prefixes.
	fromLineRe    = regexp.MustCompile(`(?i)^\s*(?:>\s*)*(?:\*\*)?from:(?:\*\*)?\s*(.+)$`)
	dateLineRe    = regexp.MustCompile(`(?i)^\s*(?:>\s*)*(?:\*\*)?(?:sent|date):(?:\*\*)?\s*(.+)$`)
	subjectLineRe = regexp.MustCompile(`(?i)^\s*(?:>\s*)*(?:\*\*)?subject:(?:\*\*)?\s*(.+)$`)
	otherHeaderRe = regexp.MustCompile(`(?i)^\s*(?:>\s*)*(?:\*\*)?(?:to|cc|reply-to|importance):(?:\*\*)?\s*`)

	replyMarkerRe = regexp.MustCompile(`(?i)^\s*on\b.{0,200}\bwrote:\s*$`)
	bannerRe      = regexp.MustCompile(`(?i)^\s*[-_]{2,}\s*(?:original|forwarded)\s+message\s*[-_]*\s*$`)

	emailAddrRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// splitForwardChain finds embedded header blocks and cuts the body into the
// author's lead text plus one embeddedEmail per block. A From: line counts
// as a block start only when a Date/Sent/Subject header follows within the
// next few lines, which keeps prose mentioning "From:" out of the chain.
func splitForwardChain(body string) (string, []embeddedEmail) {
	if body == "" {
		return "", nil
	}
	lines := strings.Split(body, "\n")

	var starts []int
	for i, ln := range lines {
		if !fromLineRe.MatchString(ln) {
			continue
		}
		if hasHeaderNeighbor(lines, i) {
			starts = append(starts, i)
		}
	}
	if len(starts) == 0 {
		return body, nil
	}

	lead := stripQuoted(strings.Join(lines[:starts[0]], "\n"))

	chain := make([]embeddedEmail, 0, len(starts))
	for k, s := range starts {
		end := len(lines)
		if k+1 < len(starts) {
			end = starts[k+1]
		}
		chain = append(chain, parseEmbedded(lines[s:end]))
	}
	return lead, chain
}

func hasHeaderNeighbor(lines []string, from int) bool {
	for j := from + 1; j < len(lines) && j <= from+4; j++ {
		if dateLineRe.MatchString(lines[j]) ||
			subjectLineRe.MatchString(lines[j]) ||
			otherHeaderRe.MatchString(lines[j]) {
			return true
		}
	}
	return false
}

// parseEmbedded consumes the header run at the top of a block and treats
// the remainder as that message's body, with blockquote prefixes removed.
func parseEmbedded(block []string) embeddedEmail {
	var em embeddedEmail
	i := 0
headers:
	for ; i < len(block); i++ {
		ln := block[i]
		switch {
		case fromLineRe.MatchString(ln):
			em.sender = headerValue(fromLineRe, ln)
		case dateLineRe.MatchString(ln):
			em.date = headerValue(dateLineRe, ln)
		case subjectLineRe.MatchString(ln):
			em.subject = headerValue(subjectLineRe, ln)
		case otherHeaderRe.MatchString(ln):
			// Recognised but not captured.
		case strings.TrimSpace(stripQuotePrefix(ln)) == "" && i < len(block)-1 && isHeaderLine(block[i+1]):
			// Blank line between wrapped headers.
		default:
			break headers
		}
	}
	var kept []string
	for _, ln := range block[i:] {
		kept = append(kept, stripQuotePrefix(ln))
	}
	em.body = strings.TrimSpace(strings.Join(kept, "\n"))

	if addr := emailAddrRe.FindString(em.sender); addr != "" {
		em.senderAddr = strings.ToLower(addr)
	}
	return em
}

func isHeaderLine(ln string) bool {
	return fromLineRe.MatchString(ln) || dateLineRe.MatchString(ln) ||
		subjectLineRe.MatchString(ln) || otherHeaderRe.MatchString(ln)
}

func headerValue(re *regexp.Regexp, ln string) string {
	m := re.FindStringSubmatch(ln)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[1]), "**"))
}

func stripQuotePrefix(ln string) string {
	for {
		trimmed := strings.TrimLeft(ln, " \t")
		if !strings.HasPrefix(trimmed, ">") {
			return ln
		}
		ln = strings.TrimPrefix(trimmed, ">")
	}
}

// stripQuoted drops quoted reply material: everything below a reply marker,
// blockquote-prefixed lines, and forwarded-message banner lines.
func stripQuoted(body string) string {
	var kept []string
	for _, ln := range strings.Split(body, "\n") {
		if replyMarkerRe.MatchString(ln) {
			break
		}
		if strings.HasPrefix(strings.TrimSpace(ln), ">") {
			continue
		}
		if bannerRe.MatchString(ln) {
			continue
		}
		kept = append(kept, ln)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// span is a byte range into the source text.
type span struct {
	start, end int
}

// packText cuts text into spans of chunkMinBytes..chunkMaxBytes, preferring
// paragraph breaks, then line breaks, then spaces. Each span after the first
// starts a little before the previous cut so boundary sentences appear in
// both chunks. Spans are contiguous slices of the source, which keeps the
// recorded offsets exact.
func packText(text string) []span {
	n := len(text)
	var out []span
	start := 0
	for start < n {
		if n-start <= chunkMaxBytes {
			out = appendTrimmed(out, text, start, n)
			break
		}
		cut := lastBoundary(text, start+chunkMinBytes, start+chunkMaxBytes)
		out = appendTrimmed(out, text, start, cut)

		next := cut - overlapBytes
		if next <= start {
			next = cut
		}
		// Re-anchor the overlap to a word boundary.
		if i := strings.IndexAny(text[next:cut], " \n\t"); i >= 0 {
			next += i + 1
		}
		start = next
	}
	return out
}

// lastBoundary picks the rightmost break point in (floor, ceil].
func lastBoundary(text string, floor, ceil int) int {
	window := text[floor:ceil]
	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return floor + i
	}
	if i := strings.LastIndex(window, "\n"); i >= 0 {
		return floor + i
	}
	if i := strings.LastIndex(window, " "); i >= 0 {
		return floor + i
	}
	return ceil
}

// appendTrimmed narrows [start, end) past surrounding whitespace before
// recording it, dropping spans that trim to nothing.
func appendTrimmed(spans []span, text string, start, end int) []span {
	piece := text[start:end]
	lead := len(piece) - len(strings.TrimLeft(piece, " \t\n\r"))
	trail := len(piece) - len(strings.TrimRight(piece, " \t\n\r"))
	start += lead
	end -= trail
	if start >= end {
		return spans
	}
	return append(spans, span{start: start, end: end})
}
