// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// Schema creates the artifact table.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS artifacts (
    cache_key TEXT NOT NULL,
    strategy TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    artifact BLOB NOT NULL,
    integrity TEXT NOT NULL,
    signature TEXT NOT NULL DEFAULT '',
    key_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,  -- Unix nanoseconds
    PRIMARY KEY (cache_key, strategy)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at);
`

// InitMetadata records the schema version.
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
INSERT OR IGNORE INTO metadata (key, value) VALUES ('created_at', strftime('%s', 'now'));
`
