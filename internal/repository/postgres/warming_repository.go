package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/repository"
)

// WarmingRepository persists warming pool entries and pairs.
type WarmingRepository struct {
	db *sqlx.DB
}

// NewWarmingRepository constructs the repository.
func NewWarmingRepository(db *sqlx.DB) *WarmingRepository {
	return &WarmingRepository{db: db}
}

// CreateEntry enrols an instance. An instance holds at most one entry; an
// inactive one is reactivated in place and entry is filled from the stored row.
func (r *WarmingRepository) CreateEntry(ctx context.Context, entry *domain.WarmingPoolEntry) error {
	var rec entryRecord
	err := r.db.GetContext(ctx, &rec, `INSERT INTO warming_pool (id, tenant_id, instance_id, is_active, total_pairs_made, created_at)
		VALUES ($1, $2, $3, TRUE, $4, $5)
		ON CONFLICT (instance_id) DO UPDATE SET is_active = TRUE, tenant_id = EXCLUDED.tenant_id
			WHERE NOT warming_pool.is_active
		RETURNING id, tenant_id, instance_id, is_active, total_pairs_made, created_at`,
		entry.ID, entry.TenantID, entry.InstanceID, entry.TotalPairsMade, entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrConflict
		}
		return fmt.Errorf("warming repo: upsert entry: %w", err)
	}
	*entry = rec.toDomain()
	return nil
}

// GetEntry fetches an entry by id.
func (r *WarmingRepository) GetEntry(ctx context.Context, id uuid.UUID) (*domain.WarmingPoolEntry, error) {
	var rec entryRecord
	err := r.db.GetContext(ctx, &rec, `SELECT id, tenant_id, instance_id, is_active, total_pairs_made, created_at
		FROM warming_pool WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("warming repo: get entry: %w", err)
	}
	entry := rec.toDomain()
	return &entry, nil
}

// DeactivateEntry removes the entry from future pairing and ends its live pairs.
func (r *WarmingRepository) DeactivateEntry(ctx context.Context, id uuid.UUID) error {
	return withTx(ctx, r.db, "warming repo: deactivate", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE warming_pool SET is_active = FALSE WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("warming repo: deactivate entry: %w", err)
		}
		if err := expectAffected(res, "warming repo"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE warming_pool_pairs SET is_active = FALSE
			WHERE is_active AND (entry_a = $1 OR entry_b = $1)`, id); err != nil {
			return fmt.Errorf("warming repo: deactivate pairs: %w", err)
		}
		return nil
	})
}

// ListEligibleEntries returns active entries whose instance is currently connected.
func (r *WarmingRepository) ListEligibleEntries(ctx context.Context) ([]domain.WarmingPoolEntry, error) {
	var recs []entryRecord
	err := r.db.SelectContext(ctx, &recs, `SELECT w.id, w.tenant_id, w.instance_id, w.is_active, w.total_pairs_made, w.created_at
		FROM warming_pool w
		JOIN instances i ON i.id = w.instance_id
		WHERE w.is_active AND i.status = 'connected'
		ORDER BY w.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("warming repo: list eligible: %w", err)
	}
	out := make([]domain.WarmingPoolEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

// ListActivePairs returns pairs that are active and not yet expired.
func (r *WarmingRepository) ListActivePairs(ctx context.Context, now time.Time) ([]domain.WarmingPoolPair, error) {
	return r.selectPairs(ctx, "list active pairs", `SELECT id, entry_a, entry_b, is_active, expires_at, created_at
		FROM warming_pool_pairs WHERE is_active AND expires_at > $1`, now)
}

// ListPairsForEntry returns every active pair the entry takes part in.
func (r *WarmingRepository) ListPairsForEntry(ctx context.Context, entryID uuid.UUID) ([]domain.WarmingPoolPair, error) {
	return r.selectPairs(ctx, "list entry pairs", `SELECT id, entry_a, entry_b, is_active, expires_at, created_at
		FROM warming_pool_pairs WHERE is_active AND (entry_a = $1 OR entry_b = $1)
		ORDER BY created_at ASC`, entryID)
}

// CreatePair stores a canonical pair and increments both entries' counters.
// Returns false when the couple already holds an active pair.
func (r *WarmingRepository) CreatePair(ctx context.Context, pair *domain.WarmingPoolPair) (bool, error) {
	key := domain.NewPairKey(pair.EntryA, pair.EntryB)
	created := false
	err := withTx(ctx, r.db, "warming repo: create pair", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO warming_pool_pairs (id, entry_a, entry_b, is_active, expires_at, created_at)
			VALUES ($1, $2, $3, TRUE, $4, $5)
			ON CONFLICT (entry_a, entry_b) WHERE is_active DO NOTHING`,
			pair.ID, key.A, key.B, pair.ExpiresAt, pair.CreatedAt)
		if err != nil {
			return fmt.Errorf("warming repo: insert pair: %w", err)
		}
		ok, err := affectedOne(res)
		if err != nil {
			return fmt.Errorf("warming repo: %w", err)
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE warming_pool SET total_pairs_made = total_pairs_made + 1
			WHERE id IN ($1, $2)`, key.A, key.B); err != nil {
			return fmt.Errorf("warming repo: bump pair counters: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		pair.EntryA, pair.EntryB = key.A, key.B
		pair.IsActive = true
	}
	return created, nil
}

// ExpirePairs deactivates pairs past their expiry.
func (r *WarmingRepository) ExpirePairs(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE warming_pool_pairs SET is_active = FALSE
		WHERE is_active AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("warming repo: expire pairs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("warming repo: rows affected: %w", err)
	}
	return n, nil
}

func (r *WarmingRepository) selectPairs(ctx context.Context, op, query string, args ...any) ([]domain.WarmingPoolPair, error) {
	var recs []pairRecord
	if err := r.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("warming repo: %s: %w", op, err)
	}
	out := make([]domain.WarmingPoolPair, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.WarmingPoolPair{
			ID:        rec.ID,
			EntryA:    rec.EntryA,
			EntryB:    rec.EntryB,
			IsActive:  rec.IsActive,
			ExpiresAt: rec.ExpiresAt,
			CreatedAt: rec.CreatedAt,
		})
	}
	return out, nil
}

type entryRecord struct {
	ID             uuid.UUID `db:"id"`
	TenantID       uuid.UUID `db:"tenant_id"`
	InstanceID     uuid.UUID `db:"instance_id"`
	IsActive       bool      `db:"is_active"`
	TotalPairsMade int       `db:"total_pairs_made"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r entryRecord) toDomain() domain.WarmingPoolEntry {
	return domain.WarmingPoolEntry{
		ID:             r.ID,
		TenantID:       r.TenantID,
		InstanceID:     r.InstanceID,
		IsActive:       r.IsActive,
		TotalPairsMade: r.TotalPairsMade,
		CreatedAt:      r.CreatedAt,
	}
}

type pairRecord struct {
	ID        uuid.UUID `db:"id"`
	EntryA    uuid.UUID `db:"entry_a"`
	EntryB    uuid.UUID `db:"entry_b"`
	IsActive  bool      `db:"is_active"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}
