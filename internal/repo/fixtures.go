package repo

import (
	"context"
	"database/sql"
	"strings"

	"contractline/internal/domain"
)

const fixtureCols = `id,service,operation,service_versions_json,data_json,source,priority,status,created_from,approved_at,approved_by,notes,created_at`

func scanFixture(scan func(dest ...any) error) (domain.Fixture, error) {
	var f domain.Fixture
	var versions string
	var createdFrom, approvedAt, approvedBy, notes sql.NullString
	err := scan(&f.ID, &f.Service, &f.Operation, &versions, &f.DataJSON, &f.Source, &f.Priority,
		&f.Status, &createdFrom, &approvedAt, &approvedBy, &notes, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.ServiceVersions = unmarshalStrings(versions)
	if createdFrom.Valid {
		f.CreatedFrom = createdFrom.String
	}
	if approvedAt.Valid {
		f.ApprovedAt = &approvedAt.String
	}
	if approvedBy.Valid {
		f.ApprovedBy = &approvedBy.String
	}
	if notes.Valid {
		f.Notes = notes.String
	}
	return f, nil
}

func (r Repo) InsertFixtureTx(ctx context.Context, tx *sql.Tx, f domain.Fixture) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO fixtures(id,service,operation,service_versions_json,data_json,source,priority,status,created_from,approved_at,approved_by,notes,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Service, f.Operation, marshalStrings(f.ServiceVersions), f.DataJSON, f.Source, f.Priority,
		f.Status, nullable(f.CreatedFrom), nullableStringPtr(f.ApprovedAt), nullableStringPtr(f.ApprovedBy),
		nullable(f.Notes), f.CreatedAt)
	return err
}

func (r Repo) GetFixture(ctx context.Context, id string) (domain.Fixture, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+fixtureCols+` FROM fixtures WHERE id=?`, id)
	return scanFixture(row.Scan)
}

func (r Repo) GetFixtureTx(ctx context.Context, tx *sql.Tx, id string) (domain.Fixture, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+fixtureCols+` FROM fixtures WHERE id=?`, id)
	return scanFixture(row.Scan)
}

// TransitionFixtureTx flips status only when the row still holds the expected
// current status. Zero rows affected means a concurrent writer got there
// first (or the fixture is gone); the engine tells the two apart.
func (r Repo) TransitionFixtureTx(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus string, approvedAt, approvedBy *string, notes string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE fixtures SET status=?, approved_at=?, approved_by=?, notes=COALESCE(NULLIF(?,''), notes)
WHERE id=? AND status=?`,
		toStatus, nullableStringPtr(approvedAt), nullableStringPtr(approvedBy), notes, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type FixtureFilters struct {
	Service   string
	Operation string
	Status    string
	Source    string
	Limit     int
}

// ListFixtures orders by priority descending so the mock-server collaborator
// can pick the first candidate per operation deterministically.
func (r Repo) ListFixtures(ctx context.Context, f FixtureFilters) ([]domain.Fixture, error) {
	var clauses []string
	var args []any
	if f.Service != "" {
		clauses = append(clauses, "service=?")
		args = append(args, f.Service)
	}
	if f.Operation != "" {
		clauses = append(clauses, "operation=?")
		args = append(args, f.Operation)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + fixtureCols + ` FROM fixtures ` + where + ` ORDER BY priority DESC, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Fixture
	for rows.Next() {
		fx, err := scanFixture(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, fx)
	}
	return res, rows.Err()
}

// ListDraftFixtureIDs returns draft fixture ids for a service, oldest first,
// for bulk approval.
func (r Repo) ListDraftFixtureIDs(ctx context.Context, service string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM fixtures WHERE service=? AND status='draft' ORDER BY created_at ASC, id ASC`, service)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
