package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/newswire/adserve/internal/models"
)

// PostgresCollectionRepo implements CollectionRepo using PostgreSQL.
// Schedule, targeting and variants are stored as JSONB alongside the
// queryable columns.
type PostgresCollectionRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresCollectionRepo creates a new PostgreSQL-backed repository.
func NewPostgresCollectionRepo(pool *pgxpool.Pool) *PostgresCollectionRepo {
	return &PostgresCollectionRepo{pool: pool}
}

const collectionColumns = `
	id, name, placement, status, priority, section_index,
	schedule, targeting, variants, impressions, clicks,
	created_at, updated_at`

func (r *PostgresCollectionRepo) ListAll(ctx context.Context) ([]*models.AdCollection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+collectionColumns+`
		FROM ad_collections
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	return scanCollections(rows)
}

func (r *PostgresCollectionRepo) GetByID(ctx context.Context, id string) (*models.AdCollection, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+collectionColumns+`
		FROM ad_collections
		WHERE id = $1`, id)

	c, err := scanCollection(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", id, err)
	}
	return c, nil
}

func (r *PostgresCollectionRepo) Upsert(ctx context.Context, c *models.AdCollection) error {
	if err := c.Validate(); err != nil {
		return err
	}

	schedule, err := json.Marshal(c.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	targeting, err := json.Marshal(c.Targeting)
	if err != nil {
		return fmt.Errorf("marshal targeting: %w", err)
	}
	variants, err := json.Marshal(c.Variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO ad_collections (
			id, name, placement, status, priority, section_index,
			schedule, targeting, variants, impressions, clicks,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			placement = EXCLUDED.placement,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			section_index = EXCLUDED.section_index,
			schedule = EXCLUDED.schedule,
			targeting = EXCLUDED.targeting,
			variants = EXCLUDED.variants,
			updated_at = NOW()`,
		c.ID, c.Name, string(c.Placement), string(c.Status), c.Priority, c.SectionIndex,
		schedule, targeting, variants, c.Stats.Impressions, c.Stats.Clicks,
	)
	if err != nil {
		return fmt.Errorf("upsert collection %s: %w", c.ID, err)
	}
	return nil
}

func (r *PostgresCollectionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM ad_collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", id, err)
	}
	return nil
}

func (r *PostgresCollectionRepo) ListByPlacement(ctx context.Context, placement models.Placement) ([]*models.AdCollection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+collectionColumns+`
		FROM ad_collections
		WHERE placement = $1
		ORDER BY priority DESC, created_at`, string(placement))
	if err != nil {
		return nil, fmt.Errorf("list collections for placement %s: %w", placement, err)
	}
	defer rows.Close()

	return scanCollections(rows)
}

func (r *PostgresCollectionRepo) ListActive(ctx context.Context) ([]*models.AdCollection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+collectionColumns+`
		FROM ad_collections
		WHERE status = $1
		ORDER BY priority DESC, created_at`, string(models.CollectionStatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active collections: %w", err)
	}
	defer rows.Close()

	return scanCollections(rows)
}

// IncrementStats bumps collection-level counters and rewrites the variant
// JSONB with the per-variant counter bumped.  Lost updates across racing
// writers are acceptable for advisory stats.
func (r *PostgresCollectionRepo) IncrementStats(ctx context.Context, collectionID, variantID string, eventType models.EventType) error {
	column := "impressions"
	if eventType == models.EventClick {
		column = "clicks"
	}

	c, err := r.GetByID(ctx, collectionID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("collection %s not found", collectionID)
	}

	for i := range c.Variants {
		if c.Variants[i].ID == variantID {
			switch eventType {
			case models.EventImpression:
				c.Variants[i].Stats.Impressions++
			case models.EventClick:
				c.Variants[i].Stats.Clicks++
			}
			break
		}
	}

	variants, err := json.Marshal(c.Variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE ad_collections
		SET `+column+` = `+column+` + 1,
		    variants = $2,
		    updated_at = NOW()
		WHERE id = $1`, collectionID, variants)
	if err != nil {
		return fmt.Errorf("increment %s for collection %s: %w", column, collectionID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (*models.AdCollection, error) {
	var (
		c         models.AdCollection
		placement string
		status    string
		schedule  []byte
		targeting []byte
		variants  []byte
	)

	err := row.Scan(
		&c.ID, &c.Name, &placement, &status, &c.Priority, &c.SectionIndex,
		&schedule, &targeting, &variants, &c.Stats.Impressions, &c.Stats.Clicks,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Placement = models.Placement(placement)
	c.Status = models.CollectionStatus(status)
	if err := json.Unmarshal(schedule, &c.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	if err := json.Unmarshal(targeting, &c.Targeting); err != nil {
		return nil, fmt.Errorf("unmarshal targeting: %w", err)
	}
	if err := json.Unmarshal(variants, &c.Variants); err != nil {
		return nil, fmt.Errorf("unmarshal variants: %w", err)
	}
	return &c, nil
}

func scanCollections(rows pgx.Rows) ([]*models.AdCollection, error) {
	out := make([]*models.AdCollection, 0)
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
