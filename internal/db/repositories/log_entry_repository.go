// log_entry_repository.go implements LogEntryRepository, the PostgreSQL store
// behind the audit registry. It appends entries to a tamper-evident hash chain
// and serves the filtered queries used by the HTTP API, the retention job, and
// chain verification.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/changetrail/changetrail/internal/db/models"
	"github.com/changetrail/changetrail/pkg/auditlog"
	"github.com/changetrail/changetrail/pkg/checksum"
)

// chainLockKey is the advisory lock key serializing chain appends. Two
// concurrent inserts reading the same "previous checksum" would fork the
// chain, so appends take a transaction-scoped advisory lock first.
const chainLockKey = 0x61756474 // "audt"

const logEntryColumns = `id, seq, resource, object_pk, object_id, object_repr,
	action, changes, actor, remote_addr, additional_data, checksum, created_at`

// LogEntryRepository handles audit log entry database operations. It also
// satisfies auditlog.Store so the registry can persist through it directly.
type LogEntryRepository struct {
	db *sqlx.DB
}

// NewLogEntryRepository creates a new LogEntryRepository.
func NewLogEntryRepository(db *sqlx.DB) *LogEntryRepository {
	return &LogEntryRepository{db: db}
}

// Filters narrows List queries. Nil fields are not applied.
type Filters struct {
	Resource *string
	Action   *auditlog.Action
	Actor    *string
	ObjectPK *string
	Since    *time.Time
	Until    *time.Time
}

// Save implements auditlog.Store.
func (r *LogEntryRepository) Save(ctx context.Context, entry *auditlog.Entry) error {
	return r.Create(ctx, models.FromEntry(entry))
}

// Create appends a log entry to the chain. The entry's ID is assigned if
// empty, its checksum is computed from the previous chain head, and its Seq
// is filled in from the database.
func (r *LogEntryRepository) Create(ctx context.Context, entry *models.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	// TIMESTAMPTZ stores microseconds; hash what the column will give back,
	// or VerifyChain recomputes a different payload for every row.
	entry.CreatedAt = entry.CreatedAt.Truncate(time.Microsecond)

	changesJSON, additionalJSON, err := marshalPayloads(entry)
	if err != nil {
		return err
	}
	payload, err := entry.CanonicalJSON()
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return fmt.Errorf("failed to acquire chain lock: %w", err)
	}

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM log_entries ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	entry.Checksum = checksum.Chain(prev, payload)

	err = tx.QueryRowContext(ctx, `
		INSERT INTO log_entries (id, resource, object_pk, object_id, object_repr,
			action, changes, actor, remote_addr, additional_data, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq
	`,
		entry.ID, entry.Resource, entry.ObjectPK, entry.ObjectID, entry.ObjectRepr,
		int(entry.Action), changesJSON, entry.Actor, entry.RemoteAddr,
		additionalJSON, entry.Checksum, entry.CreatedAt,
	).Scan(&entry.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}

	return tx.Commit()
}

// List retrieves log entries with optional filters and pagination, newest
// first, plus the total matching count.
func (r *LogEntryRepository) List(ctx context.Context, filters Filters, limit, offset int) ([]*models.LogEntry, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	param := 1

	addFilter := func(clause string, value interface{}) {
		where += fmt.Sprintf(clause, param)
		args = append(args, value)
		param++
	}

	if filters.Resource != nil {
		addFilter(` AND resource = $%d`, *filters.Resource)
	}
	if filters.Action != nil {
		addFilter(` AND action = $%d`, int(*filters.Action))
	}
	if filters.Actor != nil {
		addFilter(` AND actor = $%d`, *filters.Actor)
	}
	if filters.ObjectPK != nil {
		addFilter(` AND object_pk = $%d`, *filters.ObjectPK)
	}
	if filters.Since != nil {
		addFilter(` AND created_at >= $%d`, *filters.Since)
	}
	if filters.Until != nil {
		addFilter(` AND created_at <= $%d`, *filters.Until)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + logEntryColumns + ` FROM log_entries` + where +
		fmt.Sprintf(` ORDER BY seq DESC LIMIT $%d OFFSET $%d`, param, param+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]*models.LogEntry, 0)
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

// Get retrieves a single log entry by ID. Returns (nil, nil) when not found.
func (r *LogEntryRepository) Get(ctx context.Context, id string) (*models.LogEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+logEntryColumns+` FROM log_entries WHERE id = $1`, id)
	entry, err := scanLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// GetForObject retrieves the full history of one object, oldest first.
func (r *LogEntryRepository) GetForObject(ctx context.Context, resource, objectPK string) ([]*models.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+logEntryColumns+` FROM log_entries
		 WHERE resource = $1 AND object_pk = $2 ORDER BY seq ASC`,
		resource, objectPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]*models.LogEntry, 0)
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetForResource retrieves every entry recorded for a resource, oldest first.
func (r *LogEntryRepository) GetForResource(ctx context.Context, resource string) ([]*models.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+logEntryColumns+` FROM log_entries
		 WHERE resource = $1 ORDER BY seq ASC`,
		resource)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]*models.LogEntry, 0)
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ActionCounts holds per-action entry totals for the stats endpoint.
type ActionCounts struct {
	Creates int64 `json:"creates"`
	Updates int64 `json:"updates"`
	Deletes int64 `json:"deletes"`
	Total   int64 `json:"total"`
}

// CountByAction aggregates entry counts per action code.
func (r *LogEntryRepository) CountByAction(ctx context.Context) (*ActionCounts, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM log_entries GROUP BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := &ActionCounts{}
	for rows.Next() {
		var action int
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		switch auditlog.Action(action) {
		case auditlog.ActionCreate:
			counts.Creates = n
		case auditlog.ActionUpdate:
			counts.Updates = n
		case auditlog.ActionDelete:
			counts.Deletes = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}

// PurgeOlderThan deletes entries created before cutoff and returns the number
// of rows removed. Purged history shortens the verifiable chain: verification
// starts from the oldest retained row.
func (r *LogEntryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM log_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ChainReport is the result of a chain verification walk.
type ChainReport struct {
	Entries   int64  `json:"entries"`
	Intact    bool   `json:"intact"`
	BrokenSeq *int64 `json:"broken_seq,omitempty"`
	BrokenID  string `json:"broken_id,omitempty"`
}

// VerifyChain recomputes the checksum of every entry in sequence order and
// reports the first divergence. Rows purged by retention do not break the
// chain; verification anchors on the oldest retained row's stored checksum.
func (r *LogEntryRepository) VerifyChain(ctx context.Context) (*ChainReport, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+logEntryColumns+` FROM log_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := &ChainReport{Intact: true}
	prev := ""
	first := true
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		report.Entries++

		payload, err := entry.CanonicalJSON()
		if err != nil {
			return nil, err
		}

		// The oldest retained row may chain back to a purged predecessor,
		// so its stored checksum is accepted as the anchor.
		if first {
			first = false
			if !checksum.VerifyChain("", payload, entry.Checksum) {
				// Anchor row: trust its stored checksum as chain start.
				prev = entry.Checksum
				continue
			}
		} else if !checksum.VerifyChain(prev, payload, entry.Checksum) {
			seq := entry.Seq
			report.Intact = false
			report.BrokenSeq = &seq
			report.BrokenID = entry.ID
			return report, nil
		}
		prev = entry.Checksum
	}
	return report, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLogEntry(row rowScanner) (*models.LogEntry, error) {
	entry := &models.LogEntry{}
	var action int
	var changesJSON, additionalJSON []byte

	err := row.Scan(
		&entry.ID,
		&entry.Seq,
		&entry.Resource,
		&entry.ObjectPK,
		&entry.ObjectID,
		&entry.ObjectRepr,
		&action,
		&changesJSON,
		&entry.Actor,
		&entry.RemoteAddr,
		&additionalJSON,
		&entry.Checksum,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Action = auditlog.Action(action)
	if changesJSON != nil {
		if err := json.Unmarshal(changesJSON, &entry.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes for entry %s: %w", entry.ID, err)
		}
	}
	if additionalJSON != nil {
		if err := json.Unmarshal(additionalJSON, &entry.AdditionalData); err != nil {
			return nil, fmt.Errorf("failed to decode additional data for entry %s: %w", entry.ID, err)
		}
	}
	return entry, nil
}

func marshalPayloads(entry *models.LogEntry) (changesJSON, additionalJSON []byte, err error) {
	if entry.Changes != nil {
		if changesJSON, err = json.Marshal(entry.Changes); err != nil {
			return nil, nil, fmt.Errorf("failed to encode changes: %w", err)
		}
	}
	if entry.AdditionalData != nil {
		if additionalJSON, err = json.Marshal(entry.AdditionalData); err != nil {
			return nil, nil, fmt.Errorf("failed to encode additional data: %w", err)
		}
	}
	return changesJSON, additionalJSON, nil
}
