package storage

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS articles (
    id TEXT PRIMARY KEY,
    feed_url TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    url TEXT NOT NULL,
    text TEXT NOT NULL DEFAULT '',
    published_at DATETIME,
    fetched_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_articles_fetched ON articles(fetched_at DESC);

CREATE TABLE IF NOT EXISTS feedback (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    signal INTEGER NOT NULL CHECK (signal IN (-1, 1)),
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_user ON feedback(user_id, created_at);

CREATE TABLE IF NOT EXISTS embeddings (
    item_id TEXT NOT NULL,
    model TEXT NOT NULL,
    vector BLOB NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (item_id, model)
);

CREATE TABLE IF NOT EXISTS decisions (
    user_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    notify BOOLEAN NOT NULL,
    rationale TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL,
    similarity REAL,
    score REAL,
    topics TEXT NOT NULL DEFAULT '[]',
    run_id TEXT NOT NULL,
    degraded BOOLEAN NOT NULL DEFAULT 0,
    decided_at DATETIME NOT NULL,
    delivered_at DATETIME,
    PRIMARY KEY (user_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_decisions_pending ON decisions(user_id, notify, delivered_at);

CREATE TABLE IF NOT EXISTS feeds (
    url TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    etag TEXT NOT NULL DEFAULT '',
    last_modified TEXT NOT NULL DEFAULT '',
    last_fetched DATETIME,
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tracked_articles (
    user_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    url TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    PRIMARY KEY (user_id, item_id)
);

CREATE TABLE IF NOT EXISTS digests (
    user_id TEXT NOT NULL,
    day TEXT NOT NULL,
    item_ids TEXT NOT NULL DEFAULT '[]',
    brief TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    delivered_at DATETIME,
    PRIMARY KEY (user_id, day)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS articles (
    id TEXT PRIMARY KEY,
    feed_url TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    url TEXT NOT NULL,
    text TEXT NOT NULL DEFAULT '',
    published_at TIMESTAMPTZ,
    fetched_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_articles_fetched ON articles(fetched_at DESC);

CREATE TABLE IF NOT EXISTS feedback (
    id BIGSERIAL PRIMARY KEY,
    item_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    signal SMALLINT NOT NULL CHECK (signal IN (-1, 1)),
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_user ON feedback(user_id, created_at);

CREATE TABLE IF NOT EXISTS embeddings (
    item_id TEXT NOT NULL,
    model TEXT NOT NULL,
    vector BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (item_id, model)
);

CREATE TABLE IF NOT EXISTS decisions (
    user_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    notify BOOLEAN NOT NULL,
    rationale TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL,
    similarity DOUBLE PRECISION,
    score DOUBLE PRECISION,
    topics TEXT NOT NULL DEFAULT '[]',
    run_id TEXT NOT NULL,
    degraded BOOLEAN NOT NULL DEFAULT FALSE,
    decided_at TIMESTAMPTZ NOT NULL,
    delivered_at TIMESTAMPTZ,
    PRIMARY KEY (user_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_decisions_pending ON decisions(user_id, notify, delivered_at);

CREATE TABLE IF NOT EXISTS feeds (
    url TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    etag TEXT NOT NULL DEFAULT '',
    last_modified TEXT NOT NULL DEFAULT '',
    last_fetched TIMESTAMPTZ,
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tracked_articles (
    user_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    url TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, item_id)
);

CREATE TABLE IF NOT EXISTS digests (
    user_id TEXT NOT NULL,
    day TEXT NOT NULL,
    item_ids TEXT NOT NULL DEFAULT '[]',
    brief TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    delivered_at TIMESTAMPTZ,
    PRIMARY KEY (user_id, day)
);
`
