package persistence

// schemaSQLite is the DDL for the SQLite dialect, applied on every open
// with CREATE ... IF NOT EXISTS. No schema version is recorded and no
// migrations are run, so an existing table keeps its columns. Foreign keys
// cascade so pruning a terminal goal removes its work items and runs in
// one statement.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS goals (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT DEFAULT '',
	success_criteria TEXT DEFAULT '[]',
	priority INTEGER DEFAULT 0,
	budget_tokens INTEGER DEFAULT 0,
	budget_wall_time_minutes INTEGER DEFAULT 0,
	budget_cost REAL DEFAULT 0,
	spent_tokens INTEGER DEFAULT 0,
	spent_wall_time_minutes INTEGER DEFAULT 0,
	spent_cost REAL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'queued',
	failure_reason TEXT DEFAULT '',
	created_by TEXT DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS work_items (
	id TEXT PRIMARY KEY,
	goal_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT DEFAULT '',
	type TEXT DEFAULT '',
	priority INTEGER DEFAULT 0,
	dependencies TEXT DEFAULT '[]',
	verification_plan TEXT DEFAULT '',
	retry_count INTEGER DEFAULT 0,
	max_retries INTEGER DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'queued',
	verification_status TEXT NOT NULL DEFAULT 'not_started',
	context TEXT DEFAULT '{}',
	hints TEXT DEFAULT '',
	lane_origin TEXT DEFAULT '',
	parent_work_item_id TEXT DEFAULT '',
	session_id TEXT DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY (goal_id) REFERENCES goals(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_work_items_goal_id ON work_items(goal_id);
CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL,
	goal_id TEXT NOT NULL,
	agent_type TEXT DEFAULT '',
	sequence INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	tokens_used INTEGER DEFAULT 0,
	wall_seconds REAL DEFAULT 0,
	cost REAL DEFAULT 0,
	artifacts TEXT DEFAULT '[]',
	log TEXT DEFAULT '',
	error_message TEXT DEFAULT '',
	created_at DATETIME NOT NULL,
	completed_at DATETIME,
	FOREIGN KEY (work_item_id) REFERENCES work_items(id) ON DELETE CASCADE,
	UNIQUE (work_item_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_runs_work_item_id ON runs(work_item_id);

CREATE TABLE IF NOT EXISTS cron_jobs (
	agent_id TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 1,
	schedule_kind TEXT NOT NULL,
	schedule_every_ms INTEGER DEFAULT 0,
	schedule_expression TEXT DEFAULT '',
	schedule_timezone TEXT DEFAULT 'UTC',
	definition_hash TEXT NOT NULL,
	last_run_at DATETIME,
	next_run_at DATETIME NOT NULL,
	in_flight_run_key TEXT DEFAULT '',
	in_flight_goal_id TEXT DEFAULT '',
	in_flight_started_at DATETIME,
	claimed_by TEXT DEFAULT '',
	claim_expires_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cron_jobs_due ON cron_jobs(enabled, next_run_at);

CREATE TABLE IF NOT EXISTS cron_job_runs (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	run_key TEXT NOT NULL,
	goal_id TEXT DEFAULT '',
	scheduled_for DATETIME NOT NULL,
	coalesced_count INTEGER DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL,
	UNIQUE (agent_id, run_key)
);

CREATE INDEX IF NOT EXISTS idx_cron_job_runs_agent_id ON cron_job_runs(agent_id);

CREATE TABLE IF NOT EXISTS audit_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	actor_id TEXT DEFAULT '',
	actor_type TEXT NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	goal_id TEXT DEFAULT '',
	work_item_id TEXT DEFAULT '',
	run_id TEXT DEFAULT '',
	session_id TEXT DEFAULT '',
	before_state TEXT DEFAULT '',
	after_state TEXT DEFAULT '',
	metadata TEXT DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_goal_id ON audit_entries(goal_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_created_at ON audit_entries(created_at);
`
