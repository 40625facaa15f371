package acct

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS boots (
		id TEXT PRIMARY KEY,
		init_image TEXT NOT NULL,
		quantum INTEGER NOT NULL,
		started_ns INTEGER NOT NULL,
		ended_ns INTEGER,
		retired INTEGER NOT NULL DEFAULT 0,
		ticks INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS exits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		boot_id TEXT NOT NULL,
		pid INTEGER NOT NULL,
		parent INTEGER NOT NULL,
		image TEXT NOT NULL,
		code INTEGER NOT NULL,
		at_ns INTEGER NOT NULL,
		FOREIGN KEY (boot_id) REFERENCES boots(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_exits_boot ON exits(boot_id, id);

	CREATE TABLE IF NOT EXISTS reaps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		boot_id TEXT NOT NULL,
		pid INTEGER NOT NULL,
		parent INTEGER NOT NULL,
		code INTEGER NOT NULL,
		orphans INTEGER NOT NULL,
		at_ns INTEGER NOT NULL,
		FOREIGN KEY (boot_id) REFERENCES boots(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_reaps_boot ON reaps(boot_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
