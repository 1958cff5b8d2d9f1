package observability

// Schema contains the complete DDL of the journal database.
// It is idempotent and applied with dbopen.WithSchema.
const Schema = `
-- Cycle runs
CREATE TABLE IF NOT EXISTS cycle_runs (
    run_id TEXT PRIMARY KEY,
    cycle_index INTEGER NOT NULL,
    mode TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    pages INTEGER NOT NULL DEFAULT 0,
    items INTEGER NOT NULL DEFAULT 0,
    changes INTEGER NOT NULL DEFAULT 0,
    delivered INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    persisted INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    error_message TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_cycle_runs_started ON cycle_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_cycle_runs_status ON cycle_runs(status);

-- Confirmed deliveries
CREATE TABLE IF NOT EXISTS deliveries (
    delivery_id TEXT PRIMARY KEY,
    run_id TEXT,
    notification_id TEXT NOT NULL,
    identity TEXT NOT NULL,
    kind TEXT NOT NULL,
    update_count INTEGER NOT NULL DEFAULT 0,
    digest TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    delivered_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_deliveries_identity ON deliveries(identity, delivered_at DESC);
CREATE INDEX IF NOT EXISTS idx_deliveries_time ON deliveries(delivered_at DESC);

-- Worker Heartbeats
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    worker_pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER,
    cycles_total INTEGER,
    failures_total INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);

-- Metadata registry
CREATE TABLE IF NOT EXISTS _observability_metadata (
    table_name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    description TEXT
);
INSERT OR IGNORE INTO _observability_metadata (table_name, description) VALUES
    ('cycle_runs', 'One row per polling cycle'),
    ('deliveries', 'Confirmed notification deliveries'),
    ('worker_heartbeats', 'Worker liveness heartbeats with runtime metrics');
`
