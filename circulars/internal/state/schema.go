package state

// SchemaVersion is written to snapshot_meta. Version 1 snapshots carry only
// first_seen and digests; update_counts arrived with version 2. Readers do
// not branch on it: each section is read on its own and a missing one
// simply loads empty.
const SchemaVersion = 2

// schema lists the sections in the order they are written.
const schema = `
CREATE TABLE IF NOT EXISTS snapshot_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Section 1: identity -> first seen (unix nanoseconds)
CREATE TABLE IF NOT EXISTS first_seen (
    identity TEXT PRIMARY KEY,
    seen_at  INTEGER NOT NULL
);

-- Section 2: identity -> content digest
CREATE TABLE IF NOT EXISTS digests (
    identity TEXT PRIMARY KEY,
    digest   BLOB NOT NULL
);

-- Section 3: identity -> confirmed update count
CREATE TABLE IF NOT EXISTS update_counts (
    identity TEXT PRIMARY KEY,
    updates  INTEGER NOT NULL CHECK (updates >= 0)
);
`

// Section names, used in load reports and logs.
const (
	SectionFirstSeen = "first_seen"
	SectionDigests   = "digests"
	SectionUpdates   = "update_counts"
)
