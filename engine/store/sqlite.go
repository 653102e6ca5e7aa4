package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/dipeo-engine/engine"
	_ "modernc.org/sqlite"
)

// writeJob is one enqueued mutation: run against the single writer
// connection, in order, with the result delivered back on done.
type writeJob struct {
	run  func(ctx context.Context, db *sql.DB) error
	done chan error
}

// SQLiteStore is the production Store (spec.md §4.5, C5): a WAL-mode
// SQLite database behind a single-writer async queue, fronted by an
// in-memory per-execution cache for fast reads during live execution.
type SQLiteStore struct {
	db   *sql.DB
	path string

	writeCh chan writeJob
	closeCh chan struct{}
	wg      sync.WaitGroup

	cacheMu sync.RWMutex
	cache   map[string]*engine.ExecutionState
}

// NewSQLiteStore opens (creating if needed) a WAL-mode SQLite database at
// path, applies the idempotent schema migration, and starts the writer
// loop.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// A single writer connection; SQLite WAL lets readers share it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA cache_size=-65536", // 64 MiB
		"PRAGMA temp_store=MEMORY",
		"PRAGMA mmap_size=268435456",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:      db,
		path:    path,
		writeCh: make(chan writeJob, 64),
		closeCh: make(chan struct{}),
		cache:   map[string]*engine.ExecutionState{},
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.writerLoop()

	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_states (
		execution_id   TEXT PRIMARY KEY,
		status         TEXT NOT NULL,
		diagram_id     TEXT,
		started_at     TEXT NOT NULL,
		ended_at       TEXT,
		node_states    TEXT NOT NULL,
		node_outputs   TEXT NOT NULL,
		llm_usage      TEXT NOT NULL,
		error          TEXT,
		variables      TEXT NOT NULL,
		exec_counts    TEXT NOT NULL,
		executed_nodes TEXT NOT NULL,
		metrics        TEXT,
		epoch          INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_states_status ON execution_states(status);
	CREATE INDEX IF NOT EXISTS idx_execution_states_started_at ON execution_states(started_at);
	CREATE INDEX IF NOT EXISTS idx_execution_states_diagram_id ON execution_states(diagram_id);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		execution_id TEXT NOT NULL,
		key          TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (execution_id, key)
	);

	CREATE TABLE IF NOT EXISTS events_outbox (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		payload      TEXT NOT NULL,
		emitted      INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}

	// Older databases lack the metrics and epoch columns, so they are added
	// here; on a database that already has them SQLite reports a
	// duplicate-column error, which is ignored.
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE execution_states ADD COLUMN metrics TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE execution_states ADD COLUMN epoch INTEGER NOT NULL DEFAULT 0")

	return nil
}

// writerLoop drains writeCh serially against the single connection,
// preserving a total write order per spec.md §5.
func (s *SQLiteStore) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.writeCh:
			job.done <- s.runWithRetry(job.run)
		case <-s.closeCh:
			// Drain remaining queued writes before exiting.
			for {
				select {
				case job := <-s.writeCh:
					job.done <- s.runWithRetry(job.run)
				default:
					return
				}
			}
		}
	}
}

// runWithRetry runs a write and, after any error, retries it up to 3 more
// times with linear backoff (100, 200, 300 ms), pinging the connection
// before each retry. Errors are not classified: a constraint or SQL error
// is retried the same way as a connection error.
func (s *SQLiteStore) runWithRetry(run func(ctx context.Context, db *sql.DB) error) error {
	ctx := context.Background()
	var lastErr error
	for attempt := 0; attempt <= 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
			_ = s.db.PingContext(ctx)
		}
		if err := run(ctx, s.db); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// enqueue submits run to the writer loop and blocks for its result.
func (s *SQLiteStore) enqueue(run func(ctx context.Context, db *sql.DB) error) error {
	done := make(chan error, 1)
	s.writeCh <- writeJob{run: run, done: done}
	return <-done
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalMap(s string) map[string]any {
	out := map[string]any{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func rowFromState(state *engine.ExecutionState) (nodeStatesJSON, nodeOutputsJSON, usageJSON, varsJSON, countsJSON, executedJSON string, err error) {
	nodeStates := make(map[string]engine.NodeState, len(state.NodeStates))
	for k, v := range state.NodeStates {
		nodeStates[k] = v
	}
	if b, e := json.Marshal(nodeStates); e == nil {
		nodeStatesJSON = string(b)
	} else {
		err = e
		return
	}

	outputs := make(map[string]map[string]any, len(state.NodeOutputs))
	for k, v := range state.NodeOutputs {
		outputs[k] = v
	}
	if b, e := json.Marshal(outputs); e == nil {
		nodeOutputsJSON = string(b)
	} else {
		err = e
		return
	}

	if b, e := json.Marshal(state.LLMUsage); e == nil {
		usageJSON = string(b)
	} else {
		err = e
		return
	}

	if varsJSON, err = marshalMap(state.Variables); err != nil {
		return
	}
	if b, e := json.Marshal(state.ExecCounts); e == nil {
		countsJSON = string(b)
	} else {
		err = e
		return
	}
	if b, e := json.Marshal(state.ExecutedNodes); e == nil {
		executedJSON = string(b)
	} else {
		err = e
		return
	}
	return
}

// CreateExecution inserts a fresh PENDING execution.
func (s *SQLiteStore) CreateExecution(ctx context.Context, id, diagramID string, variables map[string]any) (*engine.ExecutionState, error) {
	state := engine.NewExecutionState(id, diagramID, variables)
	state.StartedAt = nowUTC()
	if err := s.SaveState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SaveState upserts the full execution state and refreshes the cache.
func (s *SQLiteStore) SaveState(_ context.Context, state *engine.ExecutionState) error {
	nodeStatesJSON, nodeOutputsJSON, usageJSON, varsJSON, countsJSON, executedJSON, err := rowFromState(state)
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}

	var endedAt any
	if !state.EndedAt.IsZero() {
		endedAt = state.EndedAt.Format(time.RFC3339Nano)
	}

	err = s.enqueue(func(ctx context.Context, db *sql.DB) error {
		_, execErr := db.ExecContext(ctx, `
			INSERT INTO execution_states
				(execution_id, status, diagram_id, started_at, ended_at, node_states, node_outputs, llm_usage, error, variables, exec_counts, executed_nodes, epoch, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(execution_id) DO UPDATE SET
				status=excluded.status, diagram_id=excluded.diagram_id, ended_at=excluded.ended_at,
				node_states=excluded.node_states, node_outputs=excluded.node_outputs, llm_usage=excluded.llm_usage,
				error=excluded.error, variables=excluded.variables, exec_counts=excluded.exec_counts,
				executed_nodes=excluded.executed_nodes, epoch=excluded.epoch
		`,
			state.ID, string(state.Status), state.DiagramID, state.StartedAt.Format(time.RFC3339Nano), endedAt,
			nodeStatesJSON, nodeOutputsJSON, usageJSON, state.Error, varsJSON, countsJSON, executedJSON, state.Epoch,
			nowUTC().Format(time.RFC3339Nano),
		)
		return execErr
	})
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.cache[state.ID] = state
	s.cacheMu.Unlock()
	return nil
}

// GetState reads from the cache first, falling back to the database.
func (s *SQLiteStore) GetState(ctx context.Context, id string) (*engine.ExecutionState, error) {
	s.cacheMu.RLock()
	if cached, ok := s.cache[id]; ok {
		s.cacheMu.RUnlock()
		return cached, nil
	}
	s.cacheMu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, status, diagram_id, started_at, ended_at, node_states, node_outputs, llm_usage, error, variables, exec_counts, executed_nodes, epoch
		FROM execution_states WHERE execution_id = ?`, id)

	var (
		status, diagramID, startedAt                                                         string
		endedAt, errMsg                                                                       sql.NullString
		nodeStatesJSON, nodeOutputsJSON, usageJSON, varsJSON, countsJSON, executedJSON string
		epoch                                                                          int
	)
	if err := row.Scan(&id, &status, &diagramID, &startedAt, &endedAt, &nodeStatesJSON, &nodeOutputsJSON, &usageJSON, &errMsg, &varsJSON, &countsJSON, &executedJSON, &epoch); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get state: %w", err)
	}

	state := &engine.ExecutionState{
		ID:        id,
		Status:    engine.ExecutionStatus(status),
		DiagramID: diagramID,
		Error:     errMsg.String,
		Variables: unmarshalMap(varsJSON),
		Epoch:     epoch,
	}
	state.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if endedAt.Valid {
		state.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt.String)
	}
	_ = json.Unmarshal([]byte(nodeStatesJSON), &state.NodeStates)
	_ = json.Unmarshal([]byte(nodeOutputsJSON), &state.NodeOutputs)
	_ = json.Unmarshal([]byte(usageJSON), &state.LLMUsage)
	_ = json.Unmarshal([]byte(countsJSON), &state.ExecCounts)
	_ = json.Unmarshal([]byte(executedJSON), &state.ExecutedNodes)

	s.cacheMu.Lock()
	s.cache[id] = state
	s.cacheMu.Unlock()
	return state, nil
}

// UpdateStatus transitions an execution's overall status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status engine.ExecutionStatus, errMsg string) error {
	state, err := s.GetState(ctx, id)
	if err != nil {
		return err
	}
	state.Status = status
	state.Error = errMsg
	if status == engine.ExecutionStatusCompleted || status == engine.ExecutionStatusFailed || status == engine.ExecutionStatusAborted {
		state.EndedAt = nowUTC()
		state.IsActive = false
	}
	return s.SaveState(ctx, state)
}

// UpdateNodeOutput records a node's serialized output envelope.
func (s *SQLiteStore) UpdateNodeOutput(ctx context.Context, id, nodeID string, output engine.Envelope, isException bool, usage *engine.TokenUsage) error {
	state, err := s.GetState(ctx, id)
	if err != nil {
		return err
	}
	if state.NodeOutputs == nil {
		state.NodeOutputs = map[string]map[string]any{}
	}
	state.NodeOutputs[nodeID] = engine.SerializeProtocol(output)
	if isException {
		ns := state.NodeStates[nodeID]
		ns.Error = output.Error()
		state.NodeStates[nodeID] = ns
	}
	if usage != nil {
		state.LLMUsage = state.LLMUsage.Add(*usage)
	}
	return s.SaveState(ctx, state)
}

// UpdateNodeStatus mirrors the tracker's RUNNING-append-once rule.
func (s *SQLiteStore) UpdateNodeStatus(ctx context.Context, id, nodeID string, status engine.NodeStatus, errMsg string) error {
	state, err := s.GetState(ctx, id)
	if err != nil {
		return err
	}
	if state.NodeStates == nil {
		state.NodeStates = map[string]engine.NodeState{}
	}
	state.NodeStates[nodeID] = engine.NodeState{Status: status, Error: errMsg}

	if status == engine.NodeStatusRunning {
		if state.ExecCounts == nil {
			state.ExecCounts = map[string]int{}
		}
		first := state.ExecCounts[nodeID] == 0
		state.ExecCounts[nodeID]++
		if first {
			state.ExecutedNodes = append(state.ExecutedNodes, nodeID)
		}
	}
	return s.SaveState(ctx, state)
}

// GetNodeOutput returns a node's last recorded output.
func (s *SQLiteStore) GetNodeOutput(ctx context.Context, id, nodeID string) (engine.Envelope, bool, error) {
	state, err := s.GetState(ctx, id)
	if err != nil {
		return engine.Envelope{}, false, err
	}
	raw, ok := state.NodeOutputs[nodeID]
	if !ok {
		return engine.Envelope{}, false, nil
	}
	env, err := engine.DeserializeProtocol(raw)
	if err != nil {
		return engine.Envelope{}, false, err
	}
	return env, true, nil
}

// UpdateVariables merges kv into the execution's variables.
func (s *SQLiteStore) UpdateVariables(ctx context.Context, id string, kv map[string]any) error {
	state, err := s.GetState(ctx, id)
	if err != nil {
		return err
	}
	if state.Variables == nil {
		state.Variables = map[string]any{}
	}
	for k, v := range kv {
		state.Variables[k] = v
	}
	return s.SaveState(ctx, state)
}

// UpdateMetrics merges kv into the execution's metrics.
func (s *SQLiteStore) UpdateMetrics(ctx context.Context, id string, kv map[string]any) error {
	state, err := s.GetState(ctx, id)
	if err != nil {
		return err
	}
	if state.Metrics == nil {
		state.Metrics = map[string]any{}
	}
	for k, v := range kv {
		state.Metrics[k] = v
	}
	return s.SaveState(ctx, state)
}

// AddLLMUsage accumulates usage into the execution's aggregate.
func (s *SQLiteStore) AddLLMUsage(ctx context.Context, id string, usage engine.TokenUsage) error {
	state, err := s.GetState(ctx, id)
	if err != nil {
		return err
	}
	state.LLMUsage = state.LLMUsage.Add(usage)
	return s.SaveState(ctx, state)
}

// ListExecutions returns executions matching the optional filters,
// descending by started_at.
func (s *SQLiteStore) ListExecutions(ctx context.Context, diagramID string, status engine.ExecutionStatus, limit, offset int) ([]*engine.ExecutionState, error) {
	query := "SELECT execution_id FROM execution_states WHERE 1=1"
	args := []any{}
	if diagramID != "" {
		query += " AND diagram_id = ?"
		args = append(args, diagramID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	out := make([]*engine.ExecutionState, 0, len(ids))
	for _, id := range ids {
		state, err := s.GetState(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

// CleanupOldStates deletes executions started more than days ago, then
// reclaims space with VACUUM.
func (s *SQLiteStore) CleanupOldStates(_ context.Context, days int) (int, error) {
	cutoff := nowUTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	var deleted int
	err := s.enqueue(func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM execution_states WHERE started_at < ?", cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		_, err = db.ExecContext(ctx, "VACUUM")
		return err
	})
	if err != nil {
		return 0, err
	}

	s.cacheMu.Lock()
	for id, state := range s.cache {
		if state.StartedAt.Format(time.RFC3339Nano) < cutoff {
			delete(s.cache, id)
		}
	}
	s.cacheMu.Unlock()

	return deleted, err
}

// CheckIdempotency records key for id if unseen; returns false if key was
// already recorded.
func (s *SQLiteStore) CheckIdempotency(_ context.Context, id, key string) (bool, error) {
	isNew := true
	err := s.enqueue(func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO idempotency_keys (execution_id, key, created_at) VALUES (?, ?, ?)`,
			id, key, nowUTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		isNew = n > 0
		return nil
	})
	return isNew, err
}

// Close drains the writer queue and releases the connection.
func (s *SQLiteStore) Close() error {
	close(s.closeCh)
	s.wg.Wait()
	return s.db.Close()
}
