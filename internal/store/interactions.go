package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/naka-gawa/github-interactions/internal/domain"
)

const selectInteractions = `
	SELECT i.id, i.natural_key, i.type, o.name, r.full_name, i.source_id, i.actor, i.action,
	       i.occurred_at, i.ingested_at, i.url, i.payload
	FROM interactions i
	JOIN organizations o ON o.id = i.organization_id
	LEFT JOIN repositories r ON r.id = i.repository_id`

// UpsertInteraction inserts the candidate unless its natural key already
// exists. A duplicate never overwrites the stored record; it only fills an
// actor or action that is still null.
func (s *Store) UpsertInteraction(ctx context.Context, c domain.Candidate) (domain.UpsertResult, error) {
	if err := c.Validate(); err != nil {
		return domain.UpsertResult{}, fmt.Errorf("invalid candidate: %w", err)
	}
	key := c.NaturalKey()

	var result domain.UpsertResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		org, err := s.upsertOrganization(ctx, tx, c.Organization)
		if err != nil {
			return err
		}
		var repoID sql.NullInt64
		if c.Repository != "" {
			repo, err := s.upsertRepository(ctx, tx, org, c.Repository)
			if err != nil {
				return err
			}
			repoID = sql.NullInt64{Int64: repo.ID, Valid: true}
		}

		err = s.insertInteraction(ctx, tx, key, c, org.ID, repoID)
		var conflict *domain.ConflictError
		switch {
		case err == nil:
			result = domain.UpsertResult{Status: domain.UpsertInserted}
			return nil
		case !errors.As(err, &conflict):
			return err
		}

		filled, err := s.fillMissing(ctx, tx, key, c)
		if err != nil {
			return err
		}
		result = domain.UpsertResult{Status: domain.UpsertDuplicate, Filled: filled}
		return nil
	})
	if err != nil {
		return domain.UpsertResult{}, err
	}
	return result, nil
}

// insertInteraction reports a ConflictError when the natural key exists.
func (s *Store) insertInteraction(ctx context.Context, tx *sql.Tx, key string, c domain.Candidate, orgID int64, repoID sql.NullInt64) error {
	var payload interface{}
	if len(c.Payload) > 0 {
		payload = string(c.Payload)
	}
	var url interface{}
	if c.URL != "" {
		url = c.URL
	}
	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO interactions
			(natural_key, type, organization_id, repository_id, source_id, actor, action, occurred_at, ingested_at, url, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (natural_key) DO NOTHING`),
		key, string(c.Type), orgID, repoID, c.SourceID, c.Actor, c.Action,
		toMillis(c.OccurredAt), toMillis(s.clock.Now()), url, payload)
	if err != nil {
		return fmt.Errorf("failed to insert interaction %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert interaction %s: %w", key, err)
	}
	if n == 0 {
		return &domain.ConflictError{NaturalKey: key}
	}
	return nil
}

// fillMissing sets actor and action only where the stored value is null.
func (s *Store) fillMissing(ctx context.Context, tx *sql.Tx, key string, c domain.Candidate) (bool, error) {
	var sets, nulls []string
	var args []interface{}
	if c.Actor != nil {
		sets = append(sets, "actor = COALESCE(actor, ?)")
		nulls = append(nulls, "actor IS NULL")
		args = append(args, *c.Actor)
	}
	if c.Action != nil {
		sets = append(sets, "action = COALESCE(action, ?)")
		nulls = append(nulls, "action IS NULL")
		args = append(args, *c.Action)
	}
	if len(sets) == 0 {
		return false, nil
	}
	args = append(args, key)

	query := "UPDATE interactions SET " + strings.Join(sets, ", ") +
		" WHERE natural_key = ? AND (" + strings.Join(nulls, " OR ") + ")"
	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to fill interaction %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to fill interaction %s: %w", key, err)
	}
	if n > 0 {
		s.logger.Debug().Str("natural_key", key).Msg("filled missing actor or action")
	}
	return n > 0, nil
}

// Query streams the interactions matching f ordered by occurred-at, then
// natural key. Each call runs a fresh query; the sequence is lazy and stops
// early when the consumer stops.
func (s *Store) Query(ctx context.Context, f domain.Filter) iter.Seq2[domain.Interaction, error] {
	return func(yield func(domain.Interaction, error) bool) {
		where, args := filterClause(f)
		rows, err := s.db.QueryContext(ctx, s.rebind(selectInteractions+where+` ORDER BY i.occurred_at, i.natural_key`), args...)
		if err != nil {
			yield(domain.Interaction{}, fmt.Errorf("failed to query interactions: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			it, err := scanInteraction(rows)
			if err != nil {
				yield(domain.Interaction{}, err)
				return
			}
			if !yield(it, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Interaction{}, fmt.Errorf("failed to read interactions: %w", err))
		}
	}
}

var distinctColumns = map[domain.Field]string{
	domain.FieldOrganization: "o.name",
	domain.FieldRepository:   "r.full_name",
	domain.FieldUser:         "i.actor",
	domain.FieldAction:       "i.action",
	domain.FieldType:         "i.type",
}

// ListDistinct returns the sorted non-null values of field among the
// interactions matching f.
func (s *Store) ListDistinct(ctx context.Context, field domain.Field, f domain.Filter) ([]string, error) {
	col, ok := distinctColumns[field]
	if !ok {
		return nil, &domain.ConfigurationError{Field: "field", Msg: fmt.Sprintf("unknown field %q", field)}
	}
	where, args := filterClause(f)
	if where == "" {
		where = " WHERE "
	} else {
		where += " AND "
	}
	query := `
		SELECT DISTINCT ` + col + `
		FROM interactions i
		JOIN organizations o ON o.id = i.organization_id
		LEFT JOIN repositories r ON r.id = i.repository_id` +
		where + col + ` IS NOT NULL ORDER BY ` + col

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct %s: %w", field, err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan distinct %s: %w", field, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// filterClause renders f as a WHERE clause with ? placeholders. f is expected
// to be validated already.
func filterClause(f domain.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	in := func(col string, values []string) {
		if len(values) == 0 {
			return
		}
		conds = append(conds, col+" IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")+")")
		for _, v := range values {
			args = append(args, v)
		}
	}
	in("o.name", f.Organizations)
	in("r.full_name", f.Repositories)
	in("i.actor", f.Users)
	types := make([]string, 0, len(f.InteractionTypes))
	for _, t := range f.InteractionTypes {
		types = append(types, string(t))
	}
	in("i.type", types)

	if !f.Start.IsZero() {
		conds = append(conds, "i.occurred_at >= ?")
		args = append(args, toMillis(f.Start))
	}
	if !f.End.IsZero() {
		conds = append(conds, "i.occurred_at <= ?")
		args = append(args, toMillis(f.End))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanInteraction(rows *sql.Rows) (domain.Interaction, error) {
	var it domain.Interaction
	var typ string
	var repo, actor, action, url, payload sql.NullString
	var occurred, ingested int64
	if err := rows.Scan(&it.ID, &it.NaturalKey, &typ, &it.Organization, &repo, &it.SourceID, &actor, &action,
		&occurred, &ingested, &url, &payload); err != nil {
		return domain.Interaction{}, fmt.Errorf("failed to scan interaction: %w", err)
	}
	it.Type = domain.InteractionType(typ)
	it.Repository = repo.String
	it.Actor = nullString(actor)
	it.Action = nullString(action)
	it.OccurredAt = fromMillis(occurred)
	it.IngestedAt = fromMillis(ingested)
	it.URL = url.String
	if payload.Valid && payload.String != "" {
		it.Payload = json.RawMessage(payload.String)
	}
	return it, nil
}
