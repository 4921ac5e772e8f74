package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/repository"
)

type ownerDirectory struct {
	db *DB
}

// Owners returns the owner directory backed by the owners table.
func (db *DB) Owners() repository.OwnerDirectory {
	return &ownerDirectory{db: db}
}

func (d *ownerDirectory) Resolve(ctx context.Context, ref domain.OwnerRef) (*domain.Owner, error) {
	owner := domain.Owner{Ref: ref}
	err := d.db.conn(ctx).QueryRow(ctx,
		`SELECT team_id FROM owners WHERE owner_type = $1 AND owner_id = $2`,
		string(ref.Kind), ref.ID,
	).Scan(&owner.TeamID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("resolve owner %s: %w", ref, err)
	}
	return &owner, nil
}

func (d *ownerDirectory) OwnerIDs(ctx context.Context, teamID int64, kind domain.OwnerKind) ([]int64, error) {
	rows, err := d.db.conn(ctx).Query(ctx,
		`SELECT owner_id FROM owners WHERE team_id = $1 AND owner_type = $2 ORDER BY owner_id`,
		teamID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s owners of team %d: %w", kind, teamID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan owner ids: %w", err)
	}
	return ids, nil
}

func (d *ownerDirectory) Upsert(ctx context.Context, owner domain.Owner) error {
	if !owner.Ref.Kind.Valid() {
		return domain.ErrUnsupportedOwnerKind
	}
	_, err := d.db.conn(ctx).Exec(ctx, `
		INSERT INTO owners (owner_type, owner_id, team_id) VALUES ($1, $2, $3)
		ON CONFLICT (owner_type, owner_id) DO UPDATE SET team_id = EXCLUDED.team_id`,
		string(owner.Ref.Kind), owner.Ref.ID, owner.TeamID)
	if err != nil {
		return fmt.Errorf("upsert owner %s: %w", owner.Ref, err)
	}
	return nil
}
