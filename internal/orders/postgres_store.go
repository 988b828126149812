package orders

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists the board in Postgres. Save replaces the whole
// table in one transaction, mirroring the file store's full-rewrite
// semantics so both stores restore identical boards.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store over an open handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects to databaseURL and verifies the connection.
func OpenPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("orders: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("orders: connect postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

// Load reads every order in creation order.
func (s *PostgresStore) Load(ctx context.Context) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requester_name, recipe_code, item_code, source_type, source_code,
		       gather_skill, source_level, requested_qty, remaining_qty, status,
		       claim_char, claim_expires_at, created_at, updated_at
		FROM orders
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("orders: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		var o Order
		var claimChar sql.NullString
		var claimExpires sql.NullTime
		if err := rows.Scan(
			&o.ID, &o.RequesterName, &o.RecipeCode, &o.ItemCode, &o.SourceType, &o.SourceCode,
			&o.GatherSkill, &o.SourceLevel, &o.RequestedQty, &o.RemainingQty, &o.Status,
			&claimChar, &claimExpires, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("orders: scan: %w", err)
		}
		if claimChar.Valid {
			o.Claim = &Claim{CharName: claimChar.String, LeaseExpiresAt: claimExpires.Time}
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// Save replaces the stored board with the given orders.
func (s *PostgresStore) Save(ctx context.Context, orders []*Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orders: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM orders`); err != nil {
		return fmt.Errorf("orders: clear: %w", err)
	}

	for _, o := range orders {
		var claimChar sql.NullString
		var claimExpires sql.NullTime
		if o.Claim != nil {
			claimChar = sql.NullString{String: o.Claim.CharName, Valid: true}
			claimExpires = sql.NullTime{Time: o.Claim.LeaseExpiresAt.UTC(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, requester_name, recipe_code, item_code, source_type,
			                    source_code, gather_skill, source_level, requested_qty,
			                    remaining_qty, status, claim_char, claim_expires_at,
			                    created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, o.ID, o.RequesterName, o.RecipeCode, o.ItemCode, o.SourceType,
			o.SourceCode, o.GatherSkill, o.SourceLevel, o.RequestedQty,
			o.RemainingQty, string(o.Status), claimChar, claimExpires,
			o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("orders: insert %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("orders: commit: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

var _ Store = (*PostgresStore)(nil)
