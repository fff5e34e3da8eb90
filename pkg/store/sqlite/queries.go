package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs statements against either the pool or an open transaction.
type queries struct {
	q   querier
	now func() time.Time
}

var _ store.Tx = (*queries)(nil)

const recordColumns = `id, tenant_id, action_name, entity_name, entity_id, sub_entity_id,
	routing, href, job_name, payload, result, error_code, error_detail, status,
	idempotency_key, maker_id, checker_id, correlation_id, created_at,
	completed_at, checked_at, version`

func (q *queries) InsertRecord(ctx context.Context, rec *domain.CommandRecord) error {
	routing, err := json.Marshal(rec.Routing)
	if err != nil {
		return fmt.Errorf("failed to marshal routing: %w", err)
	}

	_, err = q.q.ExecContext(ctx, `INSERT INTO command_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		rec.ID, rec.TenantID, rec.ActionName, rec.EntityName, rec.EntityID, rec.SubEntityID,
		string(routing), rec.Href, rec.JobName, string(rec.Payload), nullRaw(rec.Result),
		string(rec.ErrorCode), nullRaw(rec.ErrorDetail), string(rec.Status),
		nullString(rec.IdempotencyKey), rec.MakerID, rec.CheckerID, rec.CorrelationID,
		toMillis(rec.CreatedAt), nullMillis(rec.CompletedAt), nullMillis(rec.CheckedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", domain.ErrDuplicateIdempotencyKey, rec.IdempotencyKey)
		}
		return fmt.Errorf("failed to insert command record: %w", mapError(err))
	}
	rec.Version = 1
	return nil
}

func (q *queries) UpdateRecord(ctx context.Context, rec *domain.CommandRecord, expectedVersion int64) error {
	res, err := q.q.ExecContext(ctx, `UPDATE command_records SET
			result = ?, error_code = ?, error_detail = ?, status = ?,
			checker_id = ?, completed_at = ?, checked_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		nullRaw(rec.Result), string(rec.ErrorCode), nullRaw(rec.ErrorDetail), string(rec.Status),
		rec.CheckerID, nullMillis(rec.CompletedAt), nullMillis(rec.CheckedAt),
		rec.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update command record: %w", mapError(err))
	}
	if err := q.checkAffected(ctx, res, rec.ID); err != nil {
		return err
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (q *queries) DeleteRecord(ctx context.Context, id string, expectedVersion int64) error {
	res, err := q.q.ExecContext(ctx,
		"DELETE FROM command_records WHERE id = ? AND version = ?", id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete command record: %w", mapError(err))
	}
	return q.checkAffected(ctx, res, id)
}

// checkAffected tells a missing record apart from a stale version.
func (q *queries) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = q.q.QueryRowContext(ctx, "SELECT 1 FROM command_records WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	if err != nil {
		return mapError(err)
	}
	return fmt.Errorf("%w: command record %s", domain.ErrVersionConflict, id)
}

func (q *queries) GetRecord(ctx context.Context, id string) (*domain.CommandRecord, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM command_records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load command record: %w", mapError(err))
	}
	return rec, nil
}

func (q *queries) FindByIdempotencyKey(ctx context.Context, action, entity, key string) (*domain.CommandRecord, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+recordColumns+` FROM command_records
		WHERE action_name = ? AND entity_name = ? AND idempotency_key = ?`, action, entity, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: key %q", domain.ErrRecordNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", mapError(err))
	}
	return rec, nil
}

func (q *queries) ListRecords(ctx context.Context, filter store.RecordFilter) ([]*domain.CommandRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if filter.ActionName != "" {
		add("action_name = ?", filter.ActionName)
	}
	if filter.EntityName != "" {
		add("entity_name = ?", filter.EntityName)
	}
	if filter.MakerID != "" {
		add("maker_id = ?", filter.MakerID)
	}
	if filter.TenantID != "" {
		add("tenant_id = ?", filter.TenantID)
	}
	if !filter.CreatedBefore.IsZero() {
		add("created_at < ?", toMillis(filter.CreatedBefore))
	}

	query := "SELECT " + recordColumns + " FROM command_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, filter.EffectiveLimit())

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list command records: %w", mapError(err))
	}
	defer rows.Close()

	var out []*domain.CommandRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q *queries) LoadAggregate(ctx context.Context, kind, id string) (*domain.Aggregate, error) {
	var (
		agg       domain.Aggregate
		state     string
		updatedAt int64
	)
	err := q.q.QueryRowContext(ctx,
		"SELECT kind, id, version, state, updated_at FROM aggregates WHERE kind = ? AND id = ?",
		kind, id,
	).Scan(&agg.Kind, &agg.ID, &agg.Version, &state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrAggregateNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregate: %w", mapError(err))
	}
	agg.State = json.RawMessage(state)
	agg.UpdatedAt = fromMillis(updatedAt)
	return &agg, nil
}

func (q *queries) SaveAggregate(ctx context.Context, agg *domain.Aggregate, expectedVersion int64) error {
	now := q.now().UTC()
	state := string(agg.State)
	if state == "" {
		state = "{}"
	}

	if expectedVersion == 0 {
		_, err := q.q.ExecContext(ctx,
			"INSERT INTO aggregates (kind, id, version, state, updated_at) VALUES (?, ?, 1, ?, ?)",
			agg.Kind, agg.ID, state, toMillis(now),
		)
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("%w: aggregate %s already exists", domain.ErrVersionConflict, agg.Key())
		}
		if err != nil {
			return fmt.Errorf("failed to insert aggregate: %w", mapError(err))
		}
	} else {
		res, err := q.q.ExecContext(ctx, `UPDATE aggregates SET version = version + 1, state = ?, updated_at = ?
			WHERE kind = ? AND id = ? AND version = ?`,
			state, toMillis(now), agg.Kind, agg.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update aggregate: %w", mapError(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: aggregate %s at version %d", domain.ErrVersionConflict, agg.Key(), expectedVersion)
		}
	}

	agg.Version = expectedVersion + 1
	agg.UpdatedAt = now
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.CommandRecord, error) {
	var (
		rec                          domain.CommandRecord
		routing, payload             string
		result, errorDetail, idemKey sql.NullString
		errorCode, status            string
		createdAt                    int64
		completedAt, checkedAt       sql.NullInt64
	)
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.ActionName, &rec.EntityName, &rec.EntityID, &rec.SubEntityID,
		&routing, &rec.Href, &rec.JobName, &payload, &result, &errorCode, &errorDetail, &status,
		&idemKey, &rec.MakerID, &rec.CheckerID, &rec.CorrelationID, &createdAt,
		&completedAt, &checkedAt, &rec.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(routing), &rec.Routing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal routing: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if errorDetail.Valid {
		rec.ErrorDetail = json.RawMessage(errorDetail.String)
	}
	rec.ErrorCode = domain.ErrorKind(errorCode)
	rec.Status = domain.Status(status)
	rec.IdempotencyKey = idemKey.String
	rec.CreatedAt = fromMillis(createdAt)
	rec.CompletedAt = ptrMillis(completedAt)
	rec.CheckedAt = ptrMillis(checkedAt)
	return &rec, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func ptrMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(b json.RawMessage) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
