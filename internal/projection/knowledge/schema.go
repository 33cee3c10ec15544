package knowledge

// migrations[i] upgrades user_version i to i+1.
var migrations = []string{`
CREATE TABLE nodes (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL DEFAULT 'note',
	title         TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	provenance    TEXT NOT NULL,
	claim_id      TEXT,
	merge_key     TEXT,
	status        TEXT NOT NULL,
	ttl_policy    TEXT NOT NULL DEFAULT 'persistent',
	expires_ts    TEXT,
	supersedes_id TEXT,
	created_by    TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE edges (
	id         TEXT PRIMARY KEY,
	from_id    TEXT NOT NULL REFERENCES nodes(id),
	to_id      TEXT NOT NULL REFERENCES nodes(id),
	type       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (from_id, to_id, type)
);

CREATE INDEX idx_nodes_merge_key ON nodes(merge_key, status);
CREATE INDEX idx_edges_to ON edges(to_id, type);
`}
