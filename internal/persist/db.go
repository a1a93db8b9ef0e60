// Package persist provides SQLite-backed storage for agent plans, the POI
// table, and the revision journal. Base plans and POIs are loaded at startup;
// revisions are appended as the oracle modifies chains, so a restarted
// orchestrator can replay what each agent was last told to do.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/cityflux/traffic-replanner/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("persist: not found")

// DB wraps the SQLite connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS base_plans (
		agent_id TEXT PRIMARY KEY,
		demographics_json TEXT NOT NULL,
		chain_json TEXT NOT NULL,
		start_edge TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS revisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		chain_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pois (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		access_edge TEXT NOT NULL,
		lat REAL NOT NULL,
		lon REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_revisions_agent ON revisions(agent_id, id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// BasePlan is one agent's starting configuration.
type BasePlan struct {
	AgentID      string
	Demographics model.Demographics
	Chain        []model.Stop
	StartEdge    string
}

type basePlanRow struct {
	AgentID          string `db:"agent_id"`
	DemographicsJSON string `db:"demographics_json"`
	ChainJSON        string `db:"chain_json"`
	StartEdge        string `db:"start_edge"`
}

// SaveBasePlans replaces the base plan table.
func (db *DB) SaveBasePlans(ctx context.Context, plans []BasePlan) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM base_plans"); err != nil {
		return err
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO base_plans
		(agent_id, demographics_json, chain_json, start_edge)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range plans {
		demoJSON, err := json.Marshal(p.Demographics)
		if err != nil {
			return fmt.Errorf("marshal demographics for %s: %w", p.AgentID, err)
		}
		chainJSON, err := json.Marshal(p.Chain)
		if err != nil {
			return fmt.Errorf("marshal chain for %s: %w", p.AgentID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.AgentID, string(demoJSON), string(chainJSON), p.StartEdge); err != nil {
			return fmt.Errorf("insert plan %s: %w", p.AgentID, err)
		}
	}
	return tx.Commit()
}

// LoadBasePlans reads every base plan.
func (db *DB) LoadBasePlans(ctx context.Context) ([]BasePlan, error) {
	var rows []basePlanRow
	if err := db.conn.SelectContext(ctx, &rows,
		"SELECT agent_id, demographics_json, chain_json, start_edge FROM base_plans ORDER BY agent_id"); err != nil {
		return nil, err
	}

	plans := make([]BasePlan, 0, len(rows))
	for _, r := range rows {
		p := BasePlan{AgentID: r.AgentID, StartEdge: r.StartEdge}
		if err := json.Unmarshal([]byte(r.DemographicsJSON), &p.Demographics); err != nil {
			return nil, fmt.Errorf("decode demographics for %s: %w", r.AgentID, err)
		}
		if err := json.Unmarshal([]byte(r.ChainJSON), &p.Chain); err != nil {
			return nil, fmt.Errorf("decode chain for %s: %w", r.AgentID, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

type poiRow struct {
	ID         string  `db:"id"`
	Name       string  `db:"name"`
	Category   string  `db:"category"`
	AccessEdge string  `db:"access_edge"`
	Lat        float64 `db:"lat"`
	Lon        float64 `db:"lon"`
}

// SavePOIs replaces the POI table with the given set.
func (db *DB) SavePOIs(ctx context.Context, pois []model.POI) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pois"); err != nil {
		return err
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO pois
		(id, name, category, access_edge, lat, lon)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range pois {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Name, p.Category, p.AccessEdge, p.Lat, p.Lon); err != nil {
			return fmt.Errorf("insert poi %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// LoadPOIs reads the POI table, id-ascending. An empty table yields an empty
// slice, not an error.
func (db *DB) LoadPOIs(ctx context.Context) ([]model.POI, error) {
	var rows []poiRow
	if err := db.conn.SelectContext(ctx, &rows,
		"SELECT id, name, category, access_edge, lat, lon FROM pois ORDER BY id"); err != nil {
		return nil, err
	}

	pois := make([]model.POI, 0, len(rows))
	for _, r := range rows {
		pois = append(pois, model.POI{
			ID:         r.ID,
			Name:       r.Name,
			Category:   r.Category,
			AccessEdge: r.AccessEdge,
			Lat:        r.Lat,
			Lon:        r.Lon,
		})
	}
	return pois, nil
}

// RecordRevision appends an applied chain replacement to the journal.
func (db *DB) RecordRevision(ctx context.Context, agentID string, tick uint64, stops []model.Stop) error {
	chainJSON, err := json.Marshal(stops)
	if err != nil {
		return fmt.Errorf("marshal revision for %s: %w", agentID, err)
	}
	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO revisions (agent_id, tick, chain_json) VALUES (?, ?, ?)",
		agentID, tick, string(chainJSON))
	return err
}

// LatestRevision returns the most recent revision for an agent, or
// ErrNotFound when the agent kept its base plan.
func (db *DB) LatestRevision(ctx context.Context, agentID string) (uint64, []model.Stop, error) {
	var row struct {
		Tick      uint64 `db:"tick"`
		ChainJSON string `db:"chain_json"`
	}
	err := db.conn.GetContext(ctx, &row,
		"SELECT tick, chain_json FROM revisions WHERE agent_id = ? ORDER BY id DESC LIMIT 1", agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}

	var stops []model.Stop
	if err := json.Unmarshal([]byte(row.ChainJSON), &stops); err != nil {
		return 0, nil, fmt.Errorf("decode revision for %s: %w", agentID, err)
	}
	return row.Tick, stops, nil
}

// RevisionCount reports how many revisions an agent accumulated.
func (db *DB) RevisionCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := db.conn.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM revisions WHERE agent_id = ?", agentID)
	return n, err
}

// SaveMeta stores a run metadata key.
func (db *DB) SaveMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO run_meta (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta reads a run metadata key, or ErrNotFound.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.GetContext(ctx, &value, "SELECT value FROM run_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}
