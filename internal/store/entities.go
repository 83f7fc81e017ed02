package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/naka-gawa/github-interactions/internal/domain"
)

// OrganizationListing is one row of ListOrganizations.
type OrganizationListing struct {
	domain.Organization
	Repositories int `json:"repositories"`
}

// RepositoryListing is one row of ListRepositories.
type RepositoryListing struct {
	domain.Repository
	Interactions int `json:"interactions"`
}

// Counts is the size of each table.
type Counts struct {
	Organizations int `json:"organizations"`
	Repositories  int `json:"repositories"`
	Interactions  int `json:"interactions"`
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// UpsertOrganization returns the organization named name, creating it first if
// needed.
func (s *Store) UpsertOrganization(ctx context.Context, name string) (*domain.Organization, error) {
	var org *domain.Organization
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		org, err = s.upsertOrganization(ctx, tx, name)
		return err
	})
	return org, err
}

func (s *Store) upsertOrganization(ctx context.Context, q querier, name string) (*domain.Organization, error) {
	name = domain.NormalizeName(name)
	if name == "" {
		return nil, &domain.ConfigurationError{Field: "organization", Msg: "name is empty"}
	}
	if _, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO organizations (name, first_tracked_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`),
		name, toMillis(s.clock.Now())); err != nil {
		return nil, fmt.Errorf("failed to insert organization %s: %w", name, err)
	}

	org := &domain.Organization{Name: name}
	var tracked int64
	if err := q.QueryRowContext(ctx, s.rebind(`SELECT id, first_tracked_at FROM organizations WHERE name = ?`), name).
		Scan(&org.ID, &tracked); err != nil {
		return nil, fmt.Errorf("failed to load organization %s: %w", name, err)
	}
	org.FirstTrackedAt = fromMillis(tracked)
	return org, nil
}

// UpsertRepository returns the repository org/name, creating it and its
// organization first if needed.
func (s *Store) UpsertRepository(ctx context.Context, org, name string) (*domain.Repository, error) {
	var repo *domain.Repository
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		o, err := s.upsertOrganization(ctx, tx, org)
		if err != nil {
			return err
		}
		repo, err = s.upsertRepository(ctx, tx, o, name)
		return err
	})
	return repo, err
}

func (s *Store) upsertRepository(ctx context.Context, q querier, org *domain.Organization, name string) (*domain.Repository, error) {
	name = domain.NormalizeName(name)
	if name == "" {
		return nil, &domain.ConfigurationError{Field: "repository", Msg: "name is empty"}
	}
	fullName := domain.FullName(org.Name, name)
	if _, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO repositories (organization_id, name, full_name, first_tracked_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (full_name) DO NOTHING`),
		org.ID, name, fullName, toMillis(s.clock.Now())); err != nil {
		return nil, fmt.Errorf("failed to insert repository %s: %w", fullName, err)
	}

	row := q.QueryRowContext(ctx, s.rebind(selectRepositories+` WHERE r.full_name = ?`), fullName)
	repo, err := scanRepository(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository %s: %w", fullName, err)
	}
	return repo, nil
}

// UpdateRepositoryCounts caches the advisory stargazer and fork counts.
func (s *Store) UpdateRepositoryCounts(ctx context.Context, org, name string, stars, forks int) error {
	fullName := domain.FullName(org, name)
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE repositories SET stars = ?, forks = ?, synced_at = ? WHERE full_name = ?`),
		stars, forks, toMillis(s.clock.Now()), fullName)
	if err != nil {
		return fmt.Errorf("failed to update repository %s: %w", fullName, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("repository %s is not tracked", fullName)
	}
	return nil
}

// ListOrganizations returns every organization with its repository count, by name.
func (s *Store) ListOrganizations(ctx context.Context) ([]OrganizationListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.first_tracked_at, COUNT(r.id)
		FROM organizations o
		LEFT JOIN repositories r ON r.organization_id = o.id
		GROUP BY o.id, o.name, o.first_tracked_at
		ORDER BY o.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var out []OrganizationListing
	for rows.Next() {
		var l OrganizationListing
		var tracked int64
		if err := rows.Scan(&l.ID, &l.Name, &tracked, &l.Repositories); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		l.FirstTrackedAt = fromMillis(tracked)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListRepositories returns the repositories of org, or of every organization
// when org is empty, with their interaction counts, by full name.
func (s *Store) ListRepositories(ctx context.Context, org string) ([]RepositoryListing, error) {
	query := `
		SELECT r.id, r.organization_id, o.name, r.name, r.full_name, r.first_tracked_at,
		       r.stars, r.forks, r.synced_at, COUNT(i.id)
		FROM repositories r
		JOIN organizations o ON o.id = r.organization_id
		LEFT JOIN interactions i ON i.repository_id = r.id`
	var args []interface{}
	if org != "" {
		query += ` WHERE o.name = ?`
		args = append(args, domain.NormalizeName(org))
	}
	query += `
		GROUP BY r.id, r.organization_id, o.name, r.name, r.full_name, r.first_tracked_at, r.stars, r.forks, r.synced_at
		ORDER BY r.full_name`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var out []RepositoryListing
	for rows.Next() {
		var l RepositoryListing
		var tracked int64
		var stars, forks, synced sql.NullInt64
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.Organization, &l.Name, &l.FullName, &tracked,
			&stars, &forks, &synced, &l.Interactions); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		l.FirstTrackedAt = fromMillis(tracked)
		l.Stars, l.Forks, l.SyncedAt = nullInt(stars), nullInt(forks), nullMillis(synced)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Stats counts the rows of each table.
func (s *Store) Stats(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM organizations),
		       (SELECT COUNT(*) FROM repositories),
		       (SELECT COUNT(*) FROM interactions)`).
		Scan(&c.Organizations, &c.Repositories, &c.Interactions)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

const selectRepositories = `
	SELECT r.id, r.organization_id, o.name, r.name, r.full_name, r.first_tracked_at, r.stars, r.forks, r.synced_at
	FROM repositories r
	JOIN organizations o ON o.id = r.organization_id`

func scanRepository(row *sql.Row) (*domain.Repository, error) {
	var repo domain.Repository
	var tracked int64
	var stars, forks, synced sql.NullInt64
	if err := row.Scan(&repo.ID, &repo.OrganizationID, &repo.Organization, &repo.Name, &repo.FullName, &tracked,
		&stars, &forks, &synced); err != nil {
		return nil, err
	}
	repo.FirstTrackedAt = fromMillis(tracked)
	repo.Stars, repo.Forks, repo.SyncedAt = nullInt(stars), nullInt(forks), nullMillis(synced)
	return &repo, nil
}
