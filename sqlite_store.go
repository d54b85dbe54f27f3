package pruv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &sqliteStore{db: db}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS chains (
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  tags        TEXT NOT NULL DEFAULT '[]',
  created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
  chain_id   TEXT NOT NULL REFERENCES chains(id),
  idx        INTEGER NOT NULL,
  action     TEXT NOT NULL,
  ts         INTEGER NOT NULL,
  x_hash     TEXT NOT NULL,
  y_hash     TEXT NOT NULL,
  prev_hash  TEXT NOT NULL,
  x_schema   TEXT NOT NULL DEFAULT '',
  x_state    BLOB NOT NULL,
  y_schema   TEXT NOT NULL DEFAULT '',
  y_state    BLOB NOT NULL,
  signature  TEXT NOT NULL DEFAULT '',
  public_key TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (chain_id, idx)
);
CREATE TABLE IF NOT EXISTS checkpoints (
  id            TEXT PRIMARY KEY,
  chain_id      TEXT NOT NULL REFERENCES chains(id),
  name          TEXT NOT NULL,
  entry_idx     INTEGER NOT NULL,
  snapshot_hash TEXT NOT NULL,
  created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoints_chain_idx ON checkpoints(chain_id, entry_idx);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) CreateChain(ctx context.Context, c *Chain) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chains(id, name, description, tags, created_at) VALUES(?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, string(tags), c.CreatedAt.UnixNano())
	if err != nil {
		var exists bool
		if scanErr := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chains WHERE id=?)`, c.ID).Scan(&exists); scanErr == nil && exists {
			return ErrChainExists
		}
		return err
	}
	return nil
}

func (s *sqliteStore) Chain(ctx context.Context, chainID string) (*Chain, error) {
	var c Chain
	var tags string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, tags, created_at FROM chains WHERE id=?`, chainID).
		Scan(&c.ID, &c.Name, &c.Description, &tags, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChainNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	return &c, nil
}

func (s *sqliteStore) Chains(ctx context.Context) ([]*Chain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, tags, created_at FROM chains ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Chain
	for rows.Next() {
		var c Chain
		var tags string
		var created int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &tags, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		c.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

// AppendEntry persists an entry inside a serializable transaction. The
// contiguity check runs in the same transaction as the insert, so two
// racing appends cannot both claim the same index.
func (s *sqliteStore) AppendEntry(ctx context.Context, e *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chains WHERE id=?)`, e.ChainID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrChainNotFound
	}

	var next sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx)+1, 0) FROM entries WHERE chain_id=?`, e.ChainID).Scan(&next); err != nil {
		return err
	}
	if uint64(next.Int64) != e.Index {
		return ErrConcurrentAppendConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries(chain_id, idx, action, ts, x_hash, y_hash, prev_hash,
		                     x_schema, x_state, y_schema, y_state, signature, public_key)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ChainID, e.Index, e.Action, e.Timestamp.UnixNano(), e.XHash, e.YHash, e.PrevHash,
		e.XState.Schema, []byte(e.XState.Data), e.YState.Schema, []byte(e.YState.Data),
		e.Signature, e.PublicKey); err != nil {
		return err
	}

	return tx.Commit()
}

func scanEntry(scan func(dest ...any) error) (*Entry, error) {
	var e Entry
	var ts int64
	var xState, yState []byte
	if err := scan(&e.ChainID, &e.Index, &e.Action, &ts, &e.XHash, &e.YHash, &e.PrevHash,
		&e.XState.Schema, &xState, &e.YState.Schema, &yState, &e.Signature, &e.PublicKey); err != nil {
		return nil, err
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.XState.Data = xState
	e.YState.Data = yState
	return &e, nil
}

const entryColumns = `chain_id, idx, action, ts, x_hash, y_hash, prev_hash,
	x_schema, x_state, y_schema, y_state, signature, public_key`

func (s *sqliteStore) Entries(ctx context.Context, chainID string, start uint64, limit int) ([]*Entry, error) {
	if _, err := s.Chain(ctx, chainID); err != nil {
		return nil, err
	}
	query := `SELECT ` + entryColumns + ` FROM entries WHERE chain_id=? AND idx>=? ORDER BY idx ASC`
	args := []any{chainID, start}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Entry(ctx context.Context, chainID string, index uint64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE chain_id=? AND idx=?`, chainID, index)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		if _, chainErr := s.Chain(ctx, chainID); chainErr != nil {
			return nil, chainErr
		}
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *sqliteStore) Tail(ctx context.Context, chainID string) (*Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE chain_id=? ORDER BY idx DESC LIMIT 1`, chainID)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		if _, chainErr := s.Chain(ctx, chainID); chainErr != nil {
			return nil, false, chainErr
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) PutCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if _, err := s.Chain(ctx, cp.ChainID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(id, chain_id, name, entry_idx, snapshot_hash, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, entry_idx=excluded.entry_idx,
		   snapshot_hash=excluded.snapshot_hash`,
		cp.ID, cp.ChainID, cp.Name, cp.EntryIndex, cp.SnapshotHash, cp.CreatedAt.UnixNano())
	return err
}

func (s *sqliteStore) Checkpoint(ctx context.Context, chainID, checkpointID string) (*Checkpoint, error) {
	if _, err := s.Chain(ctx, chainID); err != nil {
		return nil, err
	}
	var cp Checkpoint
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chain_id, name, entry_idx, snapshot_hash, created_at
		 FROM checkpoints WHERE chain_id=? AND id=?`, chainID, checkpointID).
		Scan(&cp.ID, &cp.ChainID, &cp.Name, &cp.EntryIndex, &cp.SnapshotHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	cp.CreatedAt = time.Unix(0, created).UTC()
	return &cp, nil
}

func (s *sqliteStore) Checkpoints(ctx context.Context, chainID string) ([]*Checkpoint, error) {
	if _, err := s.Chain(ctx, chainID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chain_id, name, entry_idx, snapshot_hash, created_at
		 FROM checkpoints WHERE chain_id=? ORDER BY entry_idx ASC, id ASC`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var created int64
		if err := rows.Scan(&cp.ID, &cp.ChainID, &cp.Name, &cp.EntryIndex, &cp.SnapshotHash, &created); err != nil {
			return nil, err
		}
		cp.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error { return s.db.Close() }
