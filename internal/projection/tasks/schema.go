package tasks

// migrations[i] upgrades user_version i to i+1.
var migrations = []string{`
CREATE TABLE tasks (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	priority     TEXT NOT NULL DEFAULT 'medium',
	tags         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	assigned_to  TEXT NOT NULL DEFAULT '',
	assigned_at  TEXT,
	created_by   TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	completed_at TEXT,
	closed_at    TEXT
);

CREATE TABLE task_deps (
	task_id    TEXT NOT NULL REFERENCES tasks(id),
	depends_on TEXT NOT NULL REFERENCES tasks(id),
	created_at TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE task_comments (
	event_id   TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES tasks(id),
	author     TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX idx_tasks_status ON tasks(status);
CREATE INDEX idx_task_comments_task ON task_comments(task_id, created_at);
`}
