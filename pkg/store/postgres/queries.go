package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q   querier
	now func() time.Time

	// lockRows adds FOR UPDATE to aggregate loads inside a transaction.
	lockRows bool
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

	_, err = q.q.Exec(ctx, `INSERT INTO command_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, 1)`,
		rec.ID, rec.TenantID, rec.ActionName, rec.EntityName, rec.EntityID, rec.SubEntityID,
		string(routing), rec.Href, rec.JobName, string(rec.Payload), nullRaw(rec.Result),
		string(rec.ErrorCode), nullRaw(rec.ErrorDetail), string(rec.Status),
		nullString(rec.IdempotencyKey), rec.MakerID, rec.CheckerID, rec.CorrelationID,
		rec.CreatedAt.UTC(), utcPtr(rec.CompletedAt), utcPtr(rec.CheckedAt),
	)
	if err != nil {
		if isUniqueViolation(err, idempotencyKeyIndex) {
			return fmt.Errorf("%w: %q", domain.ErrDuplicateIdempotencyKey, rec.IdempotencyKey)
		}
		return fmt.Errorf("failed to insert command record: %w", mapError(err))
	}
	rec.Version = 1
	return nil
}

func (q *queries) UpdateRecord(ctx context.Context, rec *domain.CommandRecord, expectedVersion int64) error {
	tag, err := q.q.Exec(ctx, `UPDATE command_records SET
			result = $1, error_code = $2, error_detail = $3, status = $4,
			checker_id = $5, completed_at = $6, checked_at = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		nullRaw(rec.Result), string(rec.ErrorCode), nullRaw(rec.ErrorDetail), string(rec.Status),
		rec.CheckerID, utcPtr(rec.CompletedAt), utcPtr(rec.CheckedAt),
		rec.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update command record: %w", mapError(err))
	}
	if err := q.checkAffected(ctx, tag, rec.ID); err != nil {
		return err
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (q *queries) DeleteRecord(ctx context.Context, id string, expectedVersion int64) error {
	tag, err := q.q.Exec(ctx, "DELETE FROM command_records WHERE id = $1 AND version = $2", id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete command record: %w", mapError(err))
	}
	return q.checkAffected(ctx, tag, id)
}

func (q *queries) checkAffected(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists int
	err := q.q.QueryRow(ctx, "SELECT 1 FROM command_records WHERE id = $1", id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	if err != nil {
		return mapError(err)
	}
	return fmt.Errorf("%w: command record %s", domain.ErrVersionConflict, id)
}

func (q *queries) GetRecord(ctx context.Context, id string) (*domain.CommandRecord, error) {
	row := q.q.QueryRow(ctx, "SELECT "+recordColumns+" FROM command_records WHERE id = $1", id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load command record: %w", mapError(err))
	}
	return rec, nil
}

func (q *queries) FindByIdempotencyKey(ctx context.Context, action, entity, key string) (*domain.CommandRecord, error) {
	row := q.q.QueryRow(ctx, "SELECT "+recordColumns+` FROM command_records
		WHERE action_name = $1 AND entity_name = $2 AND idempotency_key = $3`, action, entity, key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	add := func(column string, arg any) {
		args = append(args, arg)
		where = append(where, column+" $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		add("status =", string(filter.Status))
	}
	if filter.ActionName != "" {
		add("action_name =", filter.ActionName)
	}
	if filter.EntityName != "" {
		add("entity_name =", filter.EntityName)
	}
	if filter.MakerID != "" {
		add("maker_id =", filter.MakerID)
	}
	if filter.TenantID != "" {
		add("tenant_id =", filter.TenantID)
	}
	if !filter.CreatedBefore.IsZero() {
		add("created_at <", filter.CreatedBefore.UTC())
	}

	query := "SELECT " + recordColumns + " FROM command_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.EffectiveLimit())
	query += " ORDER BY created_at, id LIMIT $" + strconv.Itoa(len(args))

	rows, err := q.q.Query(ctx, query, args...)
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
	query := "SELECT kind, id, version, state, updated_at FROM aggregates WHERE kind = $1 AND id = $2"
	if q.lockRows {
		query += " FOR UPDATE"
	}

	var (
		agg   domain.Aggregate
		state string
	)
	err := q.q.QueryRow(ctx, query, kind, id).Scan(&agg.Kind, &agg.ID, &agg.Version, &state, &agg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrAggregateNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregate: %w", mapError(err))
	}
	agg.State = json.RawMessage(state)
	agg.UpdatedAt = agg.UpdatedAt.UTC()
	return &agg, nil
}

func (q *queries) SaveAggregate(ctx context.Context, agg *domain.Aggregate, expectedVersion int64) error {
	now := q.now().UTC()
	state := string(agg.State)
	if state == "" {
		state = "{}"
	}

	if expectedVersion == 0 {
		_, err := q.q.Exec(ctx,
			"INSERT INTO aggregates (kind, id, version, state, updated_at) VALUES ($1, $2, 1, $3, $4)",
			agg.Kind, agg.ID, state, now,
		)
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: aggregate %s already exists", domain.ErrVersionConflict, agg.Key())
		}
		if err != nil {
			return fmt.Errorf("failed to insert aggregate: %w", mapError(err))
		}
	} else {
		tag, err := q.q.Exec(ctx, `UPDATE aggregates SET version = version + 1, state = $1, updated_at = $2
			WHERE kind = $3 AND id = $4 AND version = $5`,
			state, now, agg.Kind, agg.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update aggregate: %w", mapError(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: aggregate %s at version %d", domain.ErrVersionConflict, agg.Key(), expectedVersion)
		}
	}

	agg.Version = expectedVersion + 1
	agg.UpdatedAt = now
	return nil
}

func scanRecord(row pgx.Row) (*domain.CommandRecord, error) {
	var (
		rec                          domain.CommandRecord
		routing, payload             string
		result, errorDetail, idemKey *string
		errorCode, status            string
	)
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.ActionName, &rec.EntityName, &rec.EntityID, &rec.SubEntityID,
		&routing, &rec.Href, &rec.JobName, &payload, &result, &errorCode, &errorDetail, &status,
		&idemKey, &rec.MakerID, &rec.CheckerID, &rec.CorrelationID, &rec.CreatedAt,
		&rec.CompletedAt, &rec.CheckedAt, &rec.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(routing), &rec.Routing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal routing: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	if result != nil {
		rec.Result = json.RawMessage(*result)
	}
	if errorDetail != nil {
		rec.ErrorDetail = json.RawMessage(*errorDetail)
	}
	if idemKey != nil {
		rec.IdempotencyKey = *idemKey
	}
	rec.ErrorCode = domain.ErrorKind(errorCode)
	rec.Status = domain.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullRaw(b json.RawMessage) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
