// internal/storage/sqlite_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Corphon/CrisisSimMCP/internal/models"
	_ "modernc.org/sqlite"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS simulations (
	simulation_id TEXT PRIMARY KEY,
	state_json    TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_simulations_created ON simulations(created_at);
`

// 定宽时间格式，保证按字符串排序即按时间排序
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteSessionStore 每行保存一个会话的 JSON 文档
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore 打开数据库并执行迁移
func NewSQLiteSessionStore(dbPath string) (*SQLiteSessionStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteSessionStore{db: db}, nil
}

func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}

func encodeState(state *models.SimulationState) (string, error) {
	if state == nil {
		return "", errors.New("nil simulation state")
	}
	if state.SimulationID == "" {
		return "", errors.New("empty simulation id")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return string(raw), nil
}

func (s *SQLiteSessionStore) Create(ctx context.Context, state *models.SimulationState) error {
	doc, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO simulations (simulation_id, state_json, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		state.SimulationID, doc,
		state.CreatedAt.UTC().Format(sqliteTimeLayout),
		state.UpdatedAt.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("insert simulation: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (*models.SimulationState, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM simulations WHERE simulation_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query simulation: %w", err)
	}
	var state models.SimulationState
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

// Update 覆盖写入；会话不存在时插入
func (s *SQLiteSessionStore) Update(ctx context.Context, state *models.SimulationState) error {
	doc, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO simulations (simulation_id, state_json, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(simulation_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		state.SimulationID, doc,
		state.CreatedAt.UTC().Format(sqliteTimeLayout),
		state.UpdatedAt.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("upsert simulation: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM simulations WHERE simulation_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete simulation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteSessionStore) List(ctx context.Context) ([]*models.SimulationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_json FROM simulations ORDER BY created_at ASC, simulation_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	defer rows.Close()

	states := []*models.SimulationState{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var state models.SimulationState
		if err := json.Unmarshal([]byte(doc), &state); err != nil {
			continue
		}
		states = append(states, &state)
	}
	return states, rows.Err()
}
