package acct

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BeginBoot inserts the row for a new machine run.
func (s *SQLiteStore) BeginBoot(ctx context.Context, b Boot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boots (id, init_image, quantum, started_ns)
		VALUES (?, ?, ?, ?)
	`, b.ID, b.Init, b.Quantum, nanos(b.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert boot %s: %w", b.ID, err)
	}
	return nil
}

// EndBoot stamps the end of a run with the hart's counters.
func (s *SQLiteStore) EndBoot(ctx context.Context, bootID string, retired, ticks uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE boots
		SET ended_ns = ?, retired = ?, ticks = ?
		WHERE id = ?
	`, time.Now().UnixNano(), int64(retired), int64(ticks), bootID)
	if err != nil {
		return fmt.Errorf("failed to end boot: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("boot not found: %s", bootID)
	}
	return nil
}

// GetBoot retrieves a boot by id.
func (s *SQLiteStore) GetBoot(ctx context.Context, bootID string) (Boot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, init_image, quantum, started_ns, ended_ns, retired, ticks
		FROM boots
		WHERE id = ?
	`, bootID)

	b, err := scanBoot(row)
	if err == sql.ErrNoRows {
		return Boot{}, fmt.Errorf("boot not found: %s", bootID)
	}
	if err != nil {
		return Boot{}, fmt.Errorf("failed to query boot: %w", err)
	}
	return b, nil
}

// ListBoots returns all boots, oldest first.
func (s *SQLiteStore) ListBoots(ctx context.Context) ([]Boot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, init_image, quantum, started_ns, ended_ns, retired, ticks
		FROM boots
		ORDER BY started_ns
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query boots: %w", err)
	}
	defer rows.Close()

	var boots []Boot
	for rows.Next() {
		b, err := scanBoot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan boot: %w", err)
		}
		boots = append(boots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating boots: %w", err)
	}
	return boots, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBoot(row scanner) (Boot, error) {
	var (
		b       Boot
		started int64
		ended   sql.NullInt64
		retired int64
		ticks   int64
	)
	if err := row.Scan(&b.ID, &b.Init, &b.Quantum, &started, &ended, &retired, &ticks); err != nil {
		return Boot{}, err
	}
	b.StartedAt = time.Unix(0, started)
	if ended.Valid {
		b.EndedAt = time.Unix(0, ended.Int64)
	}
	b.Retired = uint64(retired)
	b.Ticks = uint64(ticks)
	return b, nil
}

// RecordExit appends an exit row.
func (s *SQLiteStore) RecordExit(ctx context.Context, r ExitRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exits (boot_id, pid, parent, image, code, at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.BootID, int64(r.PID), int64(r.Parent), r.Image, r.Code, nanos(r.At))
	if err != nil {
		return fmt.Errorf("failed to record exit of pid %d: %w", r.PID, err)
	}
	return nil
}

// RecordReap appends a reap row.
func (s *SQLiteStore) RecordReap(ctx context.Context, r ReapRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reaps (boot_id, pid, parent, code, orphans, at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.BootID, int64(r.PID), int64(r.Parent), r.Code, r.Orphans, nanos(r.At))
	if err != nil {
		return fmt.Errorf("failed to record reap of pid %d: %w", r.PID, err)
	}
	return nil
}

// Exits returns the exit rows of a boot in the order they were written.
func (s *SQLiteStore) Exits(ctx context.Context, bootID string) ([]ExitRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT boot_id, pid, parent, image, code, at_ns
		FROM exits
		WHERE boot_id = ?
		ORDER BY id
	`, bootID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exits: %w", err)
	}
	defer rows.Close()

	var out []ExitRecord
	for rows.Next() {
		var r ExitRecord
		var at int64
		if err := rows.Scan(&r.BootID, &r.PID, &r.Parent, &r.Image, &r.Code, &at); err != nil {
			return nil, fmt.Errorf("failed to scan exit: %w", err)
		}
		r.At = time.Unix(0, at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exits: %w", err)
	}
	return out, nil
}

// Reaps returns the reap rows of a boot in the order they were written.
func (s *SQLiteStore) Reaps(ctx context.Context, bootID string) ([]ReapRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT boot_id, pid, parent, code, orphans, at_ns
		FROM reaps
		WHERE boot_id = ?
		ORDER BY id
	`, bootID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reaps: %w", err)
	}
	defer rows.Close()

	var out []ReapRecord
	for rows.Next() {
		var r ReapRecord
		var at int64
		if err := rows.Scan(&r.BootID, &r.PID, &r.Parent, &r.Code, &r.Orphans, &at); err != nil {
			return nil, fmt.Errorf("failed to scan reap: %w", err)
		}
		r.At = time.Unix(0, at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reaps: %w", err)
	}
	return out, nil
}
