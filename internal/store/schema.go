// Package store provides the durable SQLite event store: schema
// management, allow-listed batch inserts, collector watermarks, and the
// daemon health log.
package store

// The event store is a single SQLite database (perch.db) holding one
// table per event kind, the collector watermark table, and the
// append-only daemon health log. The schema is idempotent: every
// statement is CREATE-IF-NOT-EXISTS so it can be re-applied on hot
// reload to pick up additive changes. Dropping or renaming columns or
// tables is unsupported and requires a full restart with a migration.

// SchemaVersion is recorded in schema_meta on first open.
const SchemaVersion = 1

// CreateSchemaMetaSQL tracks the schema version for future migrations.
var CreateSchemaMetaSQL = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`,
	`INSERT OR IGNORE INTO schema_meta (key, value) VALUES ('version', '1')`,
}

// CreateEventTablesSQL creates one table per event kind. Every event
// table has a monotonic integer row id and an indexed timestamp so a
// collector storing a scalar id or offset cursor can resume with an
// incremental-only read.
var CreateEventTablesSQL = []string{
	`CREATE TABLE IF NOT EXISTS window_events (
    id INTEGER PRIMARY KEY,
    timestamp REAL NOT NULL,
    app_name TEXT,
    window_title TEXT,
    bundle_id TEXT,
    duration_s REAL
)`,
	`CREATE INDEX IF NOT EXISTS idx_window_ts ON window_events(timestamp)`,

	`CREATE TABLE IF NOT EXISTS browser_events (
    id INTEGER PRIMARY KEY,
    timestamp REAL NOT NULL,
    url TEXT,
    title TEXT,
    browser TEXT,
    visit_duration_s REAL
)`,
	`CREATE INDEX IF NOT EXISTS idx_browser_ts ON browser_events(timestamp)`,

	`CREATE TABLE IF NOT EXISTS shell_events (
    id INTEGER PRIMARY KEY,
    timestamp REAL NOT NULL,
    command TEXT,
    elapsed_seconds REAL
)`,
	`CREATE INDEX IF NOT EXISTS idx_shell_ts ON shell_events(timestamp)`,

	`CREATE TABLE IF NOT EXISTS network_events (
    id INTEGER PRIMARY KEY,
    timestamp REAL NOT NULL,
    process_name TEXT,
    protocol TEXT,
    remote_address TEXT,
    remote_port INTEGER
)`,
	`CREATE INDEX IF NOT EXISTS idx_network_ts ON network_events(timestamp)`,

	`CREATE TABLE IF NOT EXISTS transcript_events (
    id INTEGER PRIMARY KEY,
    timestamp REAL NOT NULL,
    session_id TEXT,
    message_type TEXT,
    content_preview TEXT,
    project_path TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_transcript_ts ON transcript_events(timestamp)`,

	`CREATE TABLE IF NOT EXISTS message_events (
    id INTEGER PRIMARY KEY,
    timestamp REAL NOT NULL,
    contact TEXT,
    is_from_me INTEGER,
    content_preview TEXT,
    has_attachment INTEGER,
    service TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_message_ts ON message_events(timestamp)`,

	`CREATE TABLE IF NOT EXISTS clipboard_events (
    id INTEGER PRIMARY KEY,
    timestamp REAL NOT NULL,
    content_text TEXT,
    content_type TEXT,
    source_app TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_clipboard_ts ON clipboard_events(timestamp)`,
}

// CreateStateTablesSQL creates the watermark and health tables.
var CreateStateTablesSQL = []string{
	`CREATE TABLE IF NOT EXISTS collector_state (
    id INTEGER PRIMARY KEY,
    collector_name TEXT UNIQUE NOT NULL,
    last_watermark TEXT,
    last_run_timestamp REAL
)`,

	`CREATE TABLE IF NOT EXISTS daemon_health (
    id INTEGER PRIMARY KEY,
    timestamp REAL NOT NULL,
    event_type TEXT,
    details TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_health_ts ON daemon_health(timestamp)`,
}

// eventTables is the allow-list of batch-insert destinations. Unknown
// table names are programming errors, rejected before any SQL runs.
var eventTables = map[string]struct{}{
	"window_events":     {},
	"browser_events":    {},
	"shell_events":      {},
	"network_events":    {},
	"transcript_events": {},
	"message_events":    {},
	"clipboard_events":  {},
	"daemon_health":     {},
}

// AllSchemaSQL returns every schema statement in apply order.
func AllSchemaSQL() []string {
	var all []string
	all = append(all, CreateSchemaMetaSQL...)
	all = append(all, CreateEventTablesSQL...)
	all = append(all, CreateStateTablesSQL...)
	return all
}

// KnownTable reports whether table is a valid batch-insert destination.
func KnownTable(table string) bool {
	_, ok := eventTables[table]
	return ok
}
