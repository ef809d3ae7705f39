// Package journal records tracked evaluation sessions in the local SQLite database.
//
// A Journal is registered as an evaluation.Observer. Writes happen on the
// observer callbacks and their failures are only logged: the journal never
// changes how a session ends.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/jobgate/evalpulse/db"
	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/evaluation"
	"github.com/jobgate/evalpulse/logger"
	"github.com/jobgate/evalpulse/pulse/poll"
	"github.com/jobgate/evalpulse/sym"
)

// DefaultListLimit caps List when no limit is given
const DefaultListLimit = 50

// Entry is one journaled session
type Entry struct {
	ID           string            `json:"id"`
	TargetID     string            `json:"target_id"`
	JobID        poll.JobReference `json:"job_id,omitempty"`
	State        poll.State        `json:"state"`
	Immediate    bool              `json:"immediate"`
	Attempts     int               `json:"attempts"`
	Result       json.RawMessage   `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// TickEntry is one recorded status fetch
type TickEntry struct {
	Attempt      int       `json:"attempt"`
	Status       string    `json:"status,omitempty"`
	RawStatus    string    `json:"raw_status,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Stats summarizes the journal
type Stats struct {
	Total           int                `json:"total"`
	ByState         map[poll.State]int `json:"by_state"`
	Immediate       int                `json:"immediate"`
	AverageAttempts float64            `json:"average_attempts"`
}

// Journal persists sessions reported by the tracker
type Journal struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

var _ evaluation.Observer = (*Journal)(nil)

// New creates a journal on an already migrated database
func New(database *sql.DB, log *zap.SugaredLogger) *Journal {
	if log == nil {
		log = logger.ComponentLogger("journal")
	}
	return &Journal{db: database, logger: log, now: time.Now}
}

// Open opens (and migrates) the journal database at path
func Open(path string, log *zap.SugaredLogger) (*Journal, error) {
	if log == nil {
		log = logger.ComponentLogger("journal")
	}
	database, err := db.OpenWithMigrations(path, log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open journal")
	}
	return New(database, log), nil
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Started inserts the session row
func (j *Journal) Started(info evaluation.SessionInfo) {
	_, err := j.db.Exec(`
		INSERT INTO evaluation_sessions (id, target_id, job_id, state, immediate, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		info.ID, info.TargetID, nullString(string(info.JobID)), string(poll.StateRunning), info.Immediate, info.StartedAt.UTC())
	j.logWriteError("record session start", info, err)
}

// Ticked records one fetch and the running attempt count
func (j *Journal) Ticked(info evaluation.SessionInfo, tick poll.Tick) {
	var errMsg string
	if tick.Err != nil {
		errMsg = tick.Err.Error()
	}
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO poll_ticks (session_id, attempt, status, raw_status, error_message, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		info.ID, tick.Attempt, nullString(string(tick.Classification.Lifecycle)), nullString(tick.Classification.Raw),
		nullString(errMsg), j.now().UTC())
	if err == nil {
		_, err = j.db.Exec(`UPDATE evaluation_sessions SET attempts = ? WHERE id = ?`, tick.Attempt, info.ID)
	}
	j.logWriteError("record poll tick", info, err)
}

// Finished stores the terminal outcome
func (j *Journal) Finished(info evaluation.SessionInfo, outcome poll.Outcome) {
	var result sql.NullString
	if len(outcome.Result) > 0 {
		result = sql.NullString{String: string(outcome.Result), Valid: true}
	}
	_, err := j.db.Exec(`
		UPDATE evaluation_sessions
		SET state = ?, attempts = ?, result = ?, error_message = ?, finished_at = ?
		WHERE id = ?`,
		string(outcome.State), outcome.Attempts, result, nullString(outcome.ErrorMessage()), j.now().UTC(), info.ID)
	j.logWriteError("record session outcome", info, err)
}

// Cancelled marks the session cancelled
func (j *Journal) Cancelled(info evaluation.SessionInfo) {
	_, err := j.db.Exec(`
		UPDATE evaluation_sessions SET state = ?, finished_at = ? WHERE id = ?`,
		string(poll.StateCancelled), j.now().UTC(), info.ID)
	j.logWriteError("record session cancel", info, err)
}

func (j *Journal) logWriteError(op string, info evaluation.SessionInfo, err error) {
	if err == nil {
		return
	}
	if db.IsDatabaseClosed(err) {
		j.logger.Debugw("Journal closed, dropping write", logger.FieldOperation, op, logger.FieldSessionID, info.ID)
		return
	}
	j.logger.Warnw("Journal write failed",
		logger.FieldSymbol, sym.DB,
		logger.FieldOperation, op,
		logger.FieldSessionID, info.ID,
		logger.FieldTargetID, info.TargetID,
		logger.FieldError, err)
}

const entryColumns = `id, target_id, job_id, state, immediate, attempts, result, error_message, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e        Entry
		jobID    sql.NullString
		result   sql.NullString
		errMsg   sql.NullString
		finished sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.TargetID, &jobID, &e.State, &e.Immediate, &e.Attempts,
		&result, &errMsg, &e.StartedAt, &finished); err != nil {
		return Entry{}, err
	}
	e.JobID = poll.JobReference(jobID.String)
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	e.ErrorMessage = errMsg.String
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	return e, nil
}

// List returns the newest entries first. limit <= 0 uses DefaultListLimit.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM evaluation_sessions ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list journal entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan journal entry")
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to iterate journal entries")
}

// Get returns one entry or a not-found error
func (j *Journal) Get(ctx context.Context, id string) (Entry, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM evaluation_sessions WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, errors.NewNotFoundError("no journal entry for session %s", id)
	}
	if err != nil {
		return Entry{}, errors.Wrapf(err, "failed to read journal entry %s", id)
	}
	return e, nil
}

// Ticks returns the recorded fetches of a session in attempt order
func (j *Journal) Ticks(ctx context.Context, id string) ([]TickEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT attempt, status, raw_status, error_message, observed_at
		FROM poll_ticks WHERE session_id = ? ORDER BY attempt`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list ticks for %s", id)
	}
	defer rows.Close()

	var ticks []TickEntry
	for rows.Next() {
		var (
			t               TickEntry
			st, raw, errMsg sql.NullString
		)
		if err := rows.Scan(&t.Attempt, &st, &raw, &errMsg, &t.ObservedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan tick")
		}
		t.Status, t.RawStatus, t.ErrorMessage = st.String, raw.String, errMsg.String
		ticks = append(ticks, t)
	}
	return ticks, errors.Wrap(rows.Err(), "failed to iterate ticks")
}

// Stats counts entries per state
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByState: make(map[poll.State]int)}

	rows, err := j.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM evaluation_sessions GROUP BY state`)
	if err != nil {
		return stats, errors.Wrap(err, "failed to count journal states")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state poll.State
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return stats, errors.Wrap(err, "failed to scan state count")
		}
		stats.ByState[state] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return stats, errors.Wrap(err, "failed to iterate state counts")
	}

	var avg sql.NullFloat64
	err = j.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN immediate THEN 1 ELSE 0 END), 0), AVG(attempts)
		FROM evaluation_sessions`).Scan(&stats.Immediate, &avg)
	if err != nil {
		return stats, errors.Wrap(err, "failed to compute journal averages")
	}
	stats.AverageAttempts = avg.Float64
	return stats, nil
}

// Prune deletes finished entries that started before cutoff and returns how many went
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM evaluation_sessions WHERE started_at < ? AND finished_at IS NOT NULL`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune journal")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pruned entries")
	}
	if n > 0 {
		j.logger.Infow("Pruned journal", logger.FieldSymbol, sym.DB, logger.FieldCount, n)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
