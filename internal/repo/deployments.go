package repo

import (
	"context"
	"database/sql"
	"strings"

	"contractline/internal/domain"
)

const deploymentCols = `id,service,version,environment,active,status,git_sha,failure_reason,deployed_at,deployed_by`

func scanDeployment(scan func(dest ...any) error) (domain.DeploymentState, error) {
	var d domain.DeploymentState
	var active int
	var gitSHA, failureReason sql.NullString
	err := scan(&d.ID, &d.Service, &d.Version, &d.Environment, &active, &d.Status,
		&gitSHA, &failureReason, &d.DeployedAt, &d.DeployedBy)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Active = active != 0
	if gitSHA.Valid {
		d.GitSHA = &gitSHA.String
	}
	if failureReason.Valid {
		d.FailureReason = &failureReason.String
	}
	return d, nil
}

func (r Repo) InsertDeploymentTx(ctx context.Context, tx *sql.Tx, d domain.DeploymentState) error {
	active := 0
	if d.Active {
		active = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO deployments(id,service,version,environment,active,status,git_sha,failure_reason,deployed_at,deployed_by)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Service, d.Version, d.Environment, active, d.Status,
		nullableStringPtr(d.GitSHA), nullableStringPtr(d.FailureReason), d.DeployedAt, d.DeployedBy)
	return err
}

// DeactivateActiveTx clears the active flag for (service, environment).
// Paired with InsertDeploymentTx inside one transaction this is the atomic
// activation swap; the partial unique index on active rows is the backstop.
func (r Repo) DeactivateActiveTx(ctx context.Context, tx *sql.Tx, service, environment string) error {
	_, err := tx.ExecContext(ctx, `UPDATE deployments SET active=0 WHERE service=? AND environment=? AND active=1`, service, environment)
	return err
}

func (r Repo) GetActiveDeployment(ctx context.Context, service, environment string) (domain.DeploymentState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deploymentCols+` FROM deployments WHERE service=? AND environment=? AND active=1`, service, environment)
	return scanDeployment(row.Scan)
}

// ListActiveInEnvironment returns every active deployment in the environment.
func (r Repo) ListActiveInEnvironment(ctx context.Context, environment string) ([]domain.DeploymentState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deploymentCols+` FROM deployments WHERE environment=? AND active=1 ORDER BY service ASC`, environment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeploymentState
	for rows.Next() {
		d, err := scanDeployment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ActiveDeploymentsOfServiceTx returns active rows for the named service
// across all environments, inside the caller's transaction.
func (r Repo) ActiveDeploymentsOfServiceTx(ctx context.Context, tx *sql.Tx, service string) ([]domain.DeploymentState, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+deploymentCols+` FROM deployments WHERE service=? AND active=1 ORDER BY environment ASC`, service)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeploymentState
	for rows.Next() {
		d, err := scanDeployment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

type DeploymentFilters struct {
	Service     string
	Environment string
	Limit       int
}

func (r Repo) ListDeployments(ctx context.Context, f DeploymentFilters) ([]domain.DeploymentState, error) {
	var clauses []string
	var args []any
	if f.Service != "" {
		clauses = append(clauses, "service=?")
		args = append(args, f.Service)
	}
	if f.Environment != "" {
		clauses = append(clauses, "environment=?")
		args = append(args, f.Environment)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + deploymentCols + ` FROM deployments ` + where + ` ORDER BY deployed_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeploymentState
	for rows.Next() {
		d, err := scanDeployment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
