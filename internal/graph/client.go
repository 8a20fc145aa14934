// Package graph is a minimal Microsoft Graph client scoped to the mail
// operations the service needs: folder listing, delta queries, attachment
// download, triage moves, and sending digest mail. Authentication uses the
// client-credentials flow against the configured tenant.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/pkg/httpretry"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// deltaSelect keeps delta payloads small; bodies are fetched separately when
// a message is actually processed.
const deltaSelect = "id,conversationId,internetMessageId,subject,bodyPreview," +
	"from,sender,toRecipients,ccRecipients,receivedDateTime,hasAttachments," +
	"isRead,parentFolderId,changeKey,webLink,categories"

// ErrDeltaExpired signals that a stored delta token is no longer valid and
// the folder must be re-synced from scratch.
var ErrDeltaExpired = errors.New("graph: delta token expired")

// ErrNotFound signals a 404 from the API.
var ErrNotFound = errors.New("graph: not found")

// APIError is a non-2xx Graph response with the service error payload.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to the Graph API for a single delegated mailbox.
type Client struct {
	http     httpretry.HTTPDoer
	baseURL  string
	userPath string
}

// NewClient builds a client authenticating with client credentials for the
// tenant in cfg. All requests target the delegated user's mailbox.
func NewClient(cfg config.GraphConfig) *Client {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	base := cc.Client(context.Background())
	base.Timeout = cfg.Timeout()
	return &Client{
		http:     httpretry.NewRetryClient(base, 3),
		baseURL:  defaultBaseURL,
		userPath: "/users/" + url.PathEscape(cfg.DelegatedUser),
	}
}

// NewClientWithDoer wires an explicit HTTP doer and base URL. Used by tests
// against a local server.
func NewClientWithDoer(doer httpretry.HTTPDoer, baseURL, delegatedUser string) *Client {
	return &Client{
		http:     doer,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		userPath: "/users/" + url.PathEscape(delegatedUser),
	}
}

func (c *Client) userURL(path string) string {
	return c.baseURL + c.userPath + path
}

// do executes one request and decodes the JSON response into out when
// non-nil. Delta-expiry (410) and 404 map to sentinel errors; other non-2xx
// statuses surface as *APIError.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("graph: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("graph: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.responseError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("graph: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	switch resp.StatusCode {
	case http.StatusGone:
		return ErrDeltaExpired
	case http.StatusNotFound:
		return ErrNotFound
	}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if json.Unmarshal(raw, &payload) == nil && payload.Error.Code != "" {
		apiErr.Code = payload.Error.Code
		apiErr.Message = payload.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// ListFolders returns every mail folder in the mailbox, following paging.
func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	var all []Folder
	next := c.userURL("/mailFolders?$top=100&includeHiddenFolders=false")
	for next != "" {
		var page struct {
			Value    []Folder `json:"value"`
			NextLink string   `json:"@odata.nextLink"`
		}
		if err := c.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Value...)
		next = page.NextLink
	}
	return all, nil
}

// ChildFolders lists the direct children of a folder.
func (c *Client) ChildFolders(ctx context.Context, parentID string) ([]Folder, error) {
	var all []Folder
	next := c.userURL("/mailFolders/" + url.PathEscape(parentID) + "/childFolders?$top=100")
	for next != "" {
		var page struct {
			Value    []Folder `json:"value"`
			NextLink string   `json:"@odata.nextLink"`
		}
		if err := c.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Value...)
		next = page.NextLink
	}
	return all, nil
}

// EnsureFolder returns the id of a folder with the given display name,
// creating it when missing. An empty parentID targets the mailbox root.
// Name matching is case-insensitive, matching Outlook's own behavior.
func (c *Client) EnsureFolder(ctx context.Context, displayName, parentID string) (string, error) {
	var existing []Folder
	var err error
	if parentID == "" {
		existing, err = c.ListFolders(ctx)
	} else {
		existing, err = c.ChildFolders(ctx, parentID)
	}
	if err != nil {
		return "", err
	}
	for _, f := range existing {
		if strings.EqualFold(f.DisplayName, displayName) {
			return f.ID, nil
		}
	}

	createURL := c.userURL("/mailFolders")
	if parentID != "" {
		createURL = c.userURL("/mailFolders/" + url.PathEscape(parentID) + "/childFolders")
	}
	var created Folder
	err = c.do(ctx, http.MethodPost, createURL, map[string]string{"displayName": displayName}, &created)
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", displayName, err)
	}
	return created.ID, nil
}

// ListOptions narrow a folder listing.
type ListOptions struct {
	// Top is the page size, defaulting to 50.
	Top int
	// Since filters to messages received at or after the given time.
	Since time.Time
}

// ListMessages fetches one page of a folder's messages, newest first. Pass
// an empty pageURL for the first page and the returned NextLink afterwards.
func (c *Client) ListMessages(ctx context.Context, folderID, pageURL string, opts ListOptions) (*MessagePage, error) {
	if pageURL == "" {
		top := opts.Top
		if top <= 0 {
			top = 50
		}
		q := url.Values{}
		q.Set("$top", fmt.Sprint(top))
		q.Set("$select", deltaSelect)
		q.Set("$orderby", "receivedDateTime desc")
		if !opts.Since.IsZero() {
			q.Set("$filter", "receivedDateTime ge "+opts.Since.UTC().Format(time.RFC3339))
		}
		pageURL = c.userURL("/mailFolders/" + url.PathEscape(folderID) + "/messages?" + q.Encode())
	}
	var page MessagePage
	if err := c.do(ctx, http.MethodGet, pageURL, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// DeltaURL builds the first request of a delta round for a folder.
func (c *Client) DeltaURL(folderID string) string {
	return c.userURL("/mailFolders/" + url.PathEscape(folderID) + "/messages/delta?$top=50&$select=" + deltaSelect)
}

// DeltaPage fetches one page of a delta query. The link is either a
// DeltaURL, an @odata.nextLink, or a stored @odata.deltaLink; Graph encodes
// all state in the link itself. A stale token returns ErrDeltaExpired.
func (c *Client) DeltaPage(ctx context.Context, link string) (*DeltaPage, error) {
	var page DeltaPage
	if err := c.do(ctx, http.MethodGet, link, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetMessageBody fetches the full body of one message.
func (c *Client) GetMessageBody(ctx context.Context, messageID string) (*ItemBody, error) {
	var msg struct {
		Body ItemBody `json:"body"`
	}
	err := c.do(ctx, http.MethodGet,
		c.userURL("/messages/"+url.PathEscape(messageID)+"?$select=body"), nil, &msg)
	if err != nil {
		return nil, err
	}
	return &msg.Body, nil
}

// ListAttachments returns attachment metadata for a message, without
// content bytes.
func (c *Client) ListAttachments(ctx context.Context, messageID string) ([]AttachmentMeta, error) {
	var resp struct {
		Value []AttachmentMeta `json:"value"`
	}
	err := c.do(ctx, http.MethodGet,
		c.userURL("/messages/"+url.PathEscape(messageID)+"/attachments?$select=id,name,contentType,size,isInline"),
		nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// DownloadAttachment streams the raw bytes of a file attachment via the
// $value endpoint, avoiding the base64 inflation of the JSON form.
func (c *Client) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	rawURL := c.userURL("/messages/" + url.PathEscape(messageID) +
		"/attachments/" + url.PathEscape(attachmentID) + "/$value")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, c.responseError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: read attachment: %w", err)
	}
	return data, nil
}

// MoveMessage moves a message into another folder. Returns the message's
// new id, since Graph reassigns ids on move.
func (c *Client) MoveMessage(ctx context.Context, messageID, destinationFolderID string) (string, error) {
	var moved struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost,
		c.userURL("/messages/"+url.PathEscape(messageID)+"/move"),
		map[string]string{"destinationId": destinationFolderID}, &moved)
	if err != nil {
		return "", err
	}
	return moved.ID, nil
}

// UpdateMessage applies a partial update to a message. Empty patches are
// no-ops.
func (c *Client) UpdateMessage(ctx context.Context, messageID string, patch MessagePatch) error {
	body := patch.body()
	if len(body) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPatch,
		c.userURL("/messages/"+url.PathEscape(messageID)), body, nil)
}

// SetCategories replaces the category list on a message.
func (c *Client) SetCategories(ctx context.Context, messageID string, categories []string) error {
	if categories == nil {
		categories = []string{}
	}
	return c.UpdateMessage(ctx, messageID, MessagePatch{Categories: categories})
}

// MarkRead sets the read flag on a message.
func (c *Client) MarkRead(ctx context.Context, messageID string, read bool) error {
	return c.UpdateMessage(ctx, messageID, MessagePatch{IsRead: &read})
}

// DeleteMessage deletes a message. Graph moves it to Deleted Items rather
// than purging it.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete,
		c.userURL("/messages/"+url.PathEscape(messageID)), nil, nil)
}

// SendMail sends a message from the delegated mailbox and saves it to Sent
// Items.
func (c *Client) SendMail(ctx context.Context, mail OutgoingMail) error {
	recipients := make([]Recipient, len(mail.To))
	for i, addr := range mail.To {
		recipients[i] = Recipient{EmailAddress: EmailAddress{Address: addr}}
	}
	payload := map[string]any{
		"message": map[string]any{
			"subject": mail.Subject,
			"body": map[string]string{
				"contentType": "html",
				"content":     mail.BodyHTML,
			},
			"toRecipients": recipients,
		},
		"saveToSentItems": true,
	}
	return c.do(ctx, http.MethodPost, c.userURL("/sendMail"), payload, nil)
}

// GetProfile fetches the mailbox owner's identity. Used as a connectivity
// and permission check at startup and from the CLI.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var p Profile
	err := c.do(ctx, http.MethodGet,
		c.userURL("?$select=displayName,mail,userPrincipalName"), nil, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// WaitForRateLimit is a helper for callers that want to pause between bulk
// operations regardless of retry handling.
func WaitForRateLimit(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
