package storage

// schemaSQL creates every table, index, FTS shadow table and sync trigger.
// All statements are idempotent so startup can run this unconditionally.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id                  TEXT PRIMARY KEY,
    conversation_id     TEXT,
    internet_message_id TEXT,
    subject             TEXT NOT NULL DEFAULT '',
    sender_name         TEXT NOT NULL DEFAULT '',
    sender_email        TEXT NOT NULL DEFAULT '',
    to_recipients       TEXT NOT NULL DEFAULT '[]',
    cc_recipients       TEXT NOT NULL DEFAULT '[]',
    received_at         TIMESTAMP NOT NULL,
    body_preview        TEXT NOT NULL DEFAULT '',
    body_html           TEXT,
    body_markdown       TEXT,
    signature_block     TEXT,
    thread_summary      TEXT,
    suggested_action    TEXT,
    has_attachments     BOOLEAN NOT NULL DEFAULT 0,
    is_read             BOOLEAN NOT NULL DEFAULT 0,
    folder_id           TEXT NOT NULL DEFAULT '',
    etag                TEXT NOT NULL DEFAULT '',
    body_hash           TEXT NOT NULL DEFAULT '',
    category            TEXT,
    processed_at        TIMESTAMP,
    web_link            TEXT NOT NULL DEFAULT '',
    synced_at           TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at);
CREATE INDEX IF NOT EXISTS idx_messages_unprocessed ON messages(received_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS attachments (
    id               TEXT PRIMARY KEY,
    message_id       TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    filename         TEXT NOT NULL DEFAULT '',
    content_type     TEXT NOT NULL DEFAULT '',
    size_bytes       INTEGER NOT NULL DEFAULT 0,
    content_hash     TEXT,
    extracted_text   TEXT,
    extraction_status TEXT NOT NULL DEFAULT 'pending',
    extraction_error TEXT,
    downloaded_at    TIMESTAMP,
    extracted_at     TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
CREATE INDEX IF NOT EXISTS idx_attachments_pending ON attachments(size_bytes) WHERE extraction_status = 'pending';
CREATE INDEX IF NOT EXISTS idx_attachments_hash ON attachments(content_hash);

CREATE TABLE IF NOT EXISTS chunks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    source_type  TEXT NOT NULL,
    source_id    TEXT NOT NULL,
    chunk_index  INTEGER NOT NULL,
    content      TEXT NOT NULL,
    start_offset INTEGER,
    end_offset   INTEGER,
    metadata     TEXT NOT NULL DEFAULT '{}',
    embedding    BLOB,
    created_at   TIMESTAMP NOT NULL,
    UNIQUE(source_type, source_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_type, source_id);
CREATE INDEX IF NOT EXISTS idx_chunks_unembedded ON chunks(id) WHERE embedding IS NULL;

CREATE TABLE IF NOT EXISTS sync_state (
    folder_id       TEXT PRIMARY KEY,
    delta_token     TEXT,
    last_sync_at    TIMESTAMP NOT NULL,
    sync_kind       TEXT NOT NULL DEFAULT 'initial',
    messages_synced INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS wm_threads (
    id               TEXT PRIMARY KEY,
    conversation_id  TEXT NOT NULL UNIQUE,
    subject          TEXT NOT NULL DEFAULT '',
    participants     TEXT NOT NULL DEFAULT '[]',
    status           TEXT NOT NULL DEFAULT 'active',
    urgency          TEXT NOT NULL DEFAULT 'someday',
    started_at       TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP NOT NULL,
    message_count    INTEGER NOT NULL DEFAULT 0,
    user_is_cc       BOOLEAN NOT NULL DEFAULT 0,
    needs_reply      BOOLEAN NOT NULL DEFAULT 0,
    reply_deadline   TIMESTAMP,
    labels           TEXT NOT NULL DEFAULT '[]',
    project_refs     TEXT NOT NULL DEFAULT '[]',
    latest_message_id TEXT NOT NULL DEFAULT '',
    latest_web_link  TEXT NOT NULL DEFAULT '',
    summary          TEXT NOT NULL DEFAULT '',
    key_points       TEXT NOT NULL DEFAULT '[]',
    pending_questions TEXT NOT NULL DEFAULT '[]',
    updated_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wm_threads_status ON wm_threads(status, last_activity_at);

CREATE TABLE IF NOT EXISTS wm_contacts (
    id                  TEXT PRIMARY KEY,
    email               TEXT NOT NULL UNIQUE,
    name                TEXT NOT NULL DEFAULT '',
    organization        TEXT NOT NULL DEFAULT '',
    relationship        TEXT NOT NULL DEFAULT 'unknown',
    first_seen_at       TIMESTAMP NOT NULL,
    last_interaction_at TIMESTAMP NOT NULL,
    total_messages      INTEGER NOT NULL DEFAULT 0,
    they_initiated      INTEGER NOT NULL DEFAULT 0,
    user_initiated      INTEGER NOT NULL DEFAULT 0,
    cc_count            INTEGER NOT NULL DEFAULT 0,
    is_internal         BOOLEAN NOT NULL DEFAULT 0,
    updated_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS wm_projects (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL COLLATE NOCASE UNIQUE,
    related_threads    TEXT NOT NULL DEFAULT '[]',
    confidence         REAL NOT NULL DEFAULT 0.3,
    first_mentioned_at TIMESTAMP NOT NULL,
    last_activity_at   TIMESTAMP NOT NULL,
    updated_at         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS wm_observations (
    id                TEXT PRIMARY KEY,
    type              TEXT NOT NULL,
    content           TEXT NOT NULL,
    source_message_id TEXT NOT NULL DEFAULT '',
    confidence        REAL NOT NULL DEFAULT 0.5,
    observed_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wm_observations_age ON wm_observations(observed_at);

CREATE TABLE IF NOT EXISTS wm_decisions (
    id          TEXT PRIMARY KEY,
    question    TEXT NOT NULL,
    context     TEXT NOT NULL DEFAULT '',
    options     TEXT NOT NULL DEFAULT '[]',
    source      TEXT NOT NULL DEFAULT '',
    requester   TEXT NOT NULL DEFAULT '',
    urgency     TEXT NOT NULL DEFAULT 'this_week',
    deadline    TIMESTAMP,
    is_resolved BOOLEAN NOT NULL DEFAULT 0,
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS wm_commitments (
    id           TEXT PRIMARY KEY,
    description  TEXT NOT NULL,
    to_whom      TEXT NOT NULL DEFAULT '',
    source       TEXT NOT NULL DEFAULT '',
    committed_at TIMESTAMP NOT NULL,
    due_by       TIMESTAMP,
    is_completed BOOLEAN NOT NULL DEFAULT 0,
    updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS facts (
    id                TEXT PRIMARY KEY,
    source_type       TEXT NOT NULL,
    source_id         TEXT NOT NULL,
    fact_type         TEXT NOT NULL,
    fact_value        TEXT NOT NULL,
    context           TEXT NOT NULL DEFAULT '',
    confidence        REAL NOT NULL DEFAULT 0.5,
    entity_normalized TEXT NOT NULL DEFAULT '',
    due_date          TIMESTAMP,
    status            TEXT NOT NULL DEFAULT 'active',
    created_at        TIMESTAMP NOT NULL,
    UNIQUE(source_type, source_id, fact_type, fact_value)
);

CREATE TABLE IF NOT EXISTS alert_rules (
    id                TEXT PRIMARY KEY,
    rule_text         TEXT NOT NULL,
    conditions        TEXT NOT NULL DEFAULT '{}',
    event_types       TEXT NOT NULL DEFAULT '[]',
    channel           TEXT NOT NULL DEFAULT 'default',
    target            TEXT NOT NULL DEFAULT '',
    cooldown_seconds  INTEGER NOT NULL DEFAULT 3600,
    enabled           BOOLEAN NOT NULL DEFAULT 1,
    last_triggered_at TIMESTAMP,
    trigger_count     INTEGER NOT NULL DEFAULT 0,
    created_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_rule_triggers (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id      TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    event_id     TEXT NOT NULL,
    match_reason TEXT NOT NULL DEFAULT '',
    triggered_at TIMESTAMP NOT NULL,
    UNIQUE(rule_id, event_type, event_id)
);

CREATE TABLE IF NOT EXISTS triage_log (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    email_id           TEXT NOT NULL,
    action             TEXT NOT NULL,
    destination_folder TEXT NOT NULL DEFAULT '',
    reason             TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS reply_tracking (
    email_id           TEXT PRIMARY KEY,
    conversation_id    TEXT NOT NULL DEFAULT '',
    sender_email       TEXT NOT NULL DEFAULT '',
    subject            TEXT NOT NULL DEFAULT '',
    reason             TEXT NOT NULL DEFAULT '',
    last_activity_at   TIMESTAMP NOT NULL,
    nudge_scheduled_at TIMESTAMP,
    resolved_at        TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trigger_ledger (
    dedupe_key TEXT PRIMARY KEY,
    trigger_id TEXT NOT NULL,
    emitted_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS digest_ledger (
    iso_week   TEXT PRIMARY KEY,
    emitted_at TIMESTAMP NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    subject, sender_name, sender_email, body,
    content='messages', content_rowid='rowid', tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, subject, sender_name, sender_email, body)
    VALUES (new.rowid, new.subject, new.sender_name, new.sender_email, coalesce(new.body_markdown, new.body_preview));
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, subject, sender_name, sender_email, body)
    VALUES ('delete', old.rowid, old.subject, old.sender_name, old.sender_email, coalesce(old.body_markdown, old.body_preview));
END;

CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, subject, sender_name, sender_email, body)
    VALUES ('delete', old.rowid, old.subject, old.sender_name, old.sender_email, coalesce(old.body_markdown, old.body_preview));
    INSERT INTO messages_fts(rowid, subject, sender_name, sender_email, body)
    VALUES (new.rowid, new.subject, new.sender_name, new.sender_email, coalesce(new.body_markdown, new.body_preview));
END;

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    content,
    content='chunks', content_rowid='id', tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.id, old.content);
    INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
END;
`

// migrations are additive column changes applied after the base schema.
// Each runs unconditionally; "duplicate column" errors are expected on
// databases that already have the column.
var migrations = []string{
	`ALTER TABLE messages ADD COLUMN signature_block TEXT`,
	`ALTER TABLE messages ADD COLUMN suggested_action TEXT`,
	`ALTER TABLE attachments ADD COLUMN extraction_error TEXT`,
	`ALTER TABLE wm_threads ADD COLUMN latest_web_link TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE alert_rules ADD COLUMN target TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE reply_tracking ADD COLUMN resolved_at TIMESTAMP`,
}
