package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

func (q *queries) withTx(tx pgx.Tx) *queries {
	return &queries{db: tx}
}

const poolColumns = `id, name, discount_amount, capacity, granted, expires_at, created_at`

func scanPool(row pgx.Row) (domain.Pool, error) {
	var p domain.Pool
	err := row.Scan(&p.ID, &p.Name, &p.DiscountAmount, &p.Capacity, &p.Granted, &p.ExpiresAt, &p.CreatedAt)
	return p, err
}

func (q *queries) CreatePool(ctx context.Context, arg domain.NewPool, now time.Time) (domain.Pool, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO issuance_pools (name, discount_amount, capacity, granted, expires_at, created_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		RETURNING `+poolColumns,
		arg.Name, arg.DiscountAmount, arg.Capacity, arg.ExpiresAt, now,
	)
	return scanPool(row)
}

func (q *queries) GetPool(ctx context.Context, id int64) (domain.Pool, error) {
	p, err := scanPool(q.db.QueryRow(ctx, `SELECT `+poolColumns+` FROM issuance_pools WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrPoolNotFound
		}
		return domain.Pool{}, err
	}
	return p, nil
}

func (q *queries) ListPools(ctx context.Context) ([]domain.Pool, error) {
	rows, err := q.db.Query(ctx, `SELECT `+poolColumns+` FROM issuance_pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// UpdateGranted refuses to move granted past capacity even if the caller's
// view of the pool is stale.
func (q *queries) UpdateGranted(ctx context.Context, poolID int64, granted int) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE issuance_pools SET granted = $2
		WHERE id = $1 AND $2 <= capacity`,
		poolID, granted,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrExhausted
	}
	return nil
}

func (q *queries) CreateRequester(ctx context.Context, name string, now time.Time) (domain.Requester, error) {
	r := domain.Requester{Name: name, CreatedAt: now}
	err := q.db.QueryRow(ctx,
		`INSERT INTO requesters (name, created_at) VALUES ($1, $2) RETURNING id`,
		name, now,
	).Scan(&r.ID)
	return r, err
}

func (q *queries) RequesterExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM requesters WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

const claimColumns = `id, pool_id, requester_id, claimed_at, used, used_at`

func scanClaim(row pgx.Row) (domain.Claim, error) {
	var c domain.Claim
	err := row.Scan(&c.ID, &c.PoolID, &c.RequesterID, &c.ClaimedAt, &c.Used, &c.UsedAt)
	return c, err
}

func (q *queries) FindClaim(ctx context.Context, poolID, requesterID int64) (*domain.Claim, error) {
	c, err := scanClaim(q.db.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE pool_id = $1 AND requester_id = $2`,
		poolID, requesterID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (q *queries) InsertClaim(ctx context.Context, claim domain.Claim) (domain.Claim, error) {
	err := q.db.QueryRow(ctx, `
		INSERT INTO claims (pool_id, requester_id, claimed_at, used)
		VALUES ($1, $2, $3, FALSE)
		RETURNING id`,
		claim.PoolID, claim.RequesterID, claim.ClaimedAt,
	).Scan(&claim.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Claim{}, domain.ErrAlreadyClaimed
		}
		return domain.Claim{}, fmt.Errorf("insert claim: %w", err)
	}
	return claim, nil
}

func (q *queries) GetClaim(ctx context.Context, id int64) (domain.Claim, error) {
	c, err := scanClaim(q.db.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Claim{}, domain.ErrClaimNotFound
		}
		return domain.Claim{}, err
	}
	return c, nil
}

func (q *queries) UpdateClaimUsage(ctx context.Context, claim domain.Claim) error {
	tag, err := q.db.Exec(ctx, `UPDATE claims SET used = $2, used_at = $3 WHERE id = $1`, claim.ID, claim.Used, claim.UsedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClaimNotFound
	}
	return nil
}

func (q *queries) ListClaimsByPool(ctx context.Context, poolID int64) ([]domain.Claim, error) {
	rows, err := q.db.Query(ctx, `SELECT `+claimColumns+` FROM claims WHERE pool_id = $1 ORDER BY id`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

const fallbackColumns = `id, topic, message_key, payload, retry_count, max_retry, status, error_message, next_retry_at, created_at, updated_at`

func scanFallback(row pgx.Row) (domain.FallbackMessage, error) {
	var m domain.FallbackMessage
	var status string
	err := row.Scan(&m.ID, &m.Topic, &m.MessageKey, &m.Payload, &m.RetryCount, &m.MaxRetry,
		&status, &m.ErrorMessage, &m.NextRetryAt, &m.CreatedAt, &m.UpdatedAt)
	m.Status = domain.FallbackStatus(status)
	return m, err
}

func (q *queries) InsertFallback(ctx context.Context, msg domain.FallbackMessage) (domain.FallbackMessage, error) {
	err := q.db.QueryRow(ctx, `
		INSERT INTO outbound_fallback
			(topic, message_key, payload, retry_count, max_retry, status, error_message, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		msg.Topic, msg.MessageKey, msg.Payload, msg.RetryCount, msg.MaxRetry, string(msg.Status),
		msg.ErrorMessage, msg.NextRetryAt, msg.CreatedAt, msg.UpdatedAt,
	).Scan(&msg.ID)
	if err != nil {
		return domain.FallbackMessage{}, fmt.Errorf("insert fallback message: %w", err)
	}
	return msg, nil
}

func (q *queries) ListDueFallback(ctx context.Context, now time.Time, limit int) ([]domain.FallbackMessage, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+fallbackColumns+` FROM outbound_fallback
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY created_at, id
		LIMIT $3`,
		string(domain.FallbackPending), now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.FallbackMessage
	for rows.Next() {
		m, err := scanFallback(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (q *queries) UpdateFallback(ctx context.Context, msg domain.FallbackMessage) error {
	_, err := q.db.Exec(ctx, `
		UPDATE outbound_fallback
		SET retry_count = $2, status = $3, error_message = $4, next_retry_at = $5, updated_at = $6
		WHERE id = $1`,
		msg.ID, msg.RetryCount, string(msg.Status), msg.ErrorMessage, msg.NextRetryAt, msg.UpdatedAt,
	)
	return err
}

func (q *queries) CountFallbackByStatus(ctx context.Context) (map[domain.FallbackStatus]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT status, COUNT(*) FROM outbound_fallback GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.FallbackStatus]int64{
		domain.FallbackPending:   0,
		domain.FallbackPublished: 0,
		domain.FallbackFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.FallbackStatus(status)] = n
	}
	return counts, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
