package repo

import (
	"context"

	"switchline/internal/domain"
)

const entityReverseLookup = "reverse_lookup"

// InsertReverseLookup adds a lookup entry. Entries are never rebound: when lookup_id already
// exists the stored mapping is kept and inserted is false.
func (r Repo) InsertReverseLookup(ctx context.Context, rl domain.ReverseLookup) (bool, error) {
	res, err := r.exec(ctx, `INSERT INTO reverse_lookup(lookup_id,pk_id,sk_id,source,updated_by) VALUES (?,?,?,?,?) ON CONFLICT(lookup_id) DO NOTHING`,
		rl.LookupID, rl.PkID, rl.SkID, rl.Source, rl.UpdatedBy)
	if err != nil {
		return false, mapError(entityReverseLookup, rl.LookupID, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Repo) GetReverseLookup(ctx context.Context, lookupID string) (domain.ReverseLookup, error) {
	var rl domain.ReverseLookup
	err := r.queryRow(ctx, `SELECT lookup_id,pk_id,sk_id,source,updated_by FROM reverse_lookup WHERE lookup_id=?`, lookupID).
		Scan(&rl.LookupID, &rl.PkID, &rl.SkID, &rl.Source, &rl.UpdatedBy)
	if err != nil {
		return domain.ReverseLookup{}, mapError(entityReverseLookup, lookupID, err)
	}
	return rl, nil
}

// DeleteReverseLookup removes the entry only while it still maps to rl's location.
func (r Repo) DeleteReverseLookup(ctx context.Context, rl domain.ReverseLookup) error {
	_, err := r.exec(ctx, `DELETE FROM reverse_lookup WHERE lookup_id=? AND pk_id=? AND sk_id=?`, rl.LookupID, rl.PkID, rl.SkID)
	if err != nil {
		return mapError(entityReverseLookup, rl.LookupID, err)
	}
	return nil
}
