package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	args       TEXT NOT NULL DEFAULT '{}',
	resources  TEXT NOT NULL DEFAULT '[]',
	tags       TEXT NOT NULL DEFAULT '[]',
	priority   INTEGER NOT NULL DEFAULT 0,
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS markers (
	type       TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	resources  TEXT NOT NULL DEFAULT '[]',
	tags       TEXT NOT NULL DEFAULT '[]',
	priority   INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (type, owner_id)
);

CREATE TABLE IF NOT EXISTS pending_flags (
	owner_id     TEXT NOT NULL,
	uid          INTEGER NOT NULL,
	add_flags    TEXT NOT NULL DEFAULT '[]',
	remove_flags TEXT NOT NULL DEFAULT '[]',
	updated_at   DATETIME NOT NULL,
	PRIMARY KEY (owner_id, uid)
);

CREATE TABLE IF NOT EXISTS folder_state (
	account_id    TEXT NOT NULL,
	folder        TEXT NOT NULL,
	uid_validity  INTEGER NOT NULL DEFAULT 0,
	last_seen_uid INTEGER NOT NULL DEFAULT 0,
	synced_at     DATETIME NOT NULL,
	PRIMARY KEY (account_id, folder)
);

CREATE TABLE IF NOT EXISTS messages (
	account_id     TEXT NOT NULL,
	folder         TEXT NOT NULL,
	uid            INTEGER NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	from_addr      TEXT NOT NULL DEFAULT '',
	date           DATETIME NOT NULL,
	flags          TEXT NOT NULL DEFAULT '[]',
	snippet        TEXT NOT NULL DEFAULT '',
	has_attachment INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, folder, uid)
);

CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(type);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_pending_flags_owner ON pending_flags(owner_id);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_account_folder ON messages(account_id, folder);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS sent_messages (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	from_addr  TEXT NOT NULL DEFAULT '',
	to_addrs   TEXT NOT NULL DEFAULT '[]',
	subject    TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	sent_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sent_messages_account ON sent_messages(account_id);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
