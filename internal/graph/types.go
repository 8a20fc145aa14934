package graph

import "time"

// Folder is a mail folder as returned by the mailFolders endpoints.
type Folder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId"`
	TotalItemCount   int    `json:"totalItemCount"`
	UnreadItemCount  int    `json:"unreadItemCount"`
	ChildFolderCount int    `json:"childFolderCount"`
}

// EmailAddress is the name/address pair Graph nests inside recipients.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Recipient wraps an EmailAddress the way the API does.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// ItemBody is a message body with its content type ("html" or "text").
type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// RemovedMarker is the @removed annotation on deleted delta entries. Any
// non-nil marker means the message is gone from the folder, regardless of
// the reason value.
type RemovedMarker struct {
	Reason string `json:"reason"`
}

// Message is a mail message as returned by list and delta queries. Removed
// is set only on delta entries for deleted messages, which carry nothing
// but ID and the marker.
type Message struct {
	ID                string         `json:"id"`
	Removed           *RemovedMarker `json:"@removed,omitempty"`
	ConversationID    string         `json:"conversationId"`
	InternetMessageID string         `json:"internetMessageId"`
	Subject           string         `json:"subject"`
	BodyPreview       string         `json:"bodyPreview"`
	Body              *ItemBody      `json:"body,omitempty"`
	From              *Recipient     `json:"from,omitempty"`
	Sender            *Recipient     `json:"sender,omitempty"`
	ToRecipients      []Recipient    `json:"toRecipients"`
	CcRecipients      []Recipient    `json:"ccRecipients"`
	ReceivedDateTime  time.Time      `json:"receivedDateTime"`
	HasAttachments    bool           `json:"hasAttachments"`
	IsRead            bool           `json:"isRead"`
	ParentFolderID    string         `json:"parentFolderId"`
	ChangeKey         string         `json:"changeKey"`
	WebLink           string         `json:"webLink"`
	Categories        []string       `json:"categories"`
}

// DeltaPage is one page of a delta query. Exactly one of NextLink and
// DeltaLink is set on a successful response; DeltaLink marks the end of the
// round and becomes the next sync's starting token.
type DeltaPage struct {
	Value     []Message `json:"value"`
	NextLink  string    `json:"@odata.nextLink"`
	DeltaLink string    `json:"@odata.deltaLink"`
}

// MessagePage is one page of a plain folder listing.
type MessagePage struct {
	Value    []Message `json:"value"`
	NextLink string    `json:"@odata.nextLink"`
}

// DateTimeTimeZone is the Graph representation of a zoned timestamp.
type DateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// FollowupFlag is the follow-up state of a message. FlagStatus is one of
// "notFlagged", "flagged", or "complete". Graph requires StartDateTime
// whenever DueDateTime is set.
type FollowupFlag struct {
	FlagStatus    string            `json:"flagStatus"`
	StartDateTime *DateTimeTimeZone `json:"startDateTime,omitempty"`
	DueDateTime   *DateTimeTimeZone `json:"dueDateTime,omitempty"`
}

// FlagDue builds a flagged follow-up due at the given time.
func FlagDue(due time.Time) *FollowupFlag {
	stamp := &DateTimeTimeZone{
		DateTime: due.UTC().Format("2006-01-02T15:04:05"),
		TimeZone: "UTC",
	}
	return &FollowupFlag{FlagStatus: "flagged", StartDateTime: stamp, DueDateTime: stamp}
}

// MessagePatch is a partial message update. Nil fields are left untouched;
// to clear categories pass an empty non-nil slice.
type MessagePatch struct {
	Categories []string
	Flag       *FollowupFlag
	IsRead     *bool
}

func (p MessagePatch) body() map[string]any {
	body := make(map[string]any, 3)
	if p.Categories != nil {
		body["categories"] = p.Categories
	}
	if p.Flag != nil {
		body["flag"] = p.Flag
	}
	if p.IsRead != nil {
		body["isRead"] = *p.IsRead
	}
	return body
}

// AttachmentMeta is attachment metadata without content.
type AttachmentMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"isInline"`
	ODataType   string `json:"@odata.type"`
}

// IsFileAttachment reports whether the attachment is a plain file rather
// than an embedded item or reference.
func (a AttachmentMeta) IsFileAttachment() bool {
	return a.ODataType == "" || a.ODataType == "#microsoft.graph.fileAttachment"
}

// Profile is the mailbox owner identity, used for connectivity checks.
type Profile struct {
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// OutgoingMail is a message to send on the user's behalf.
type OutgoingMail struct {
	Subject  string
	BodyHTML string
	To       []string
}
