package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"contractline/internal/domain"
)

const taskCols = `id,provider,provider_version,consumer,consumer_version,interactions_json,contract_id,closed,created_at`

func scanTask(scan func(dest ...any) error) (domain.VerificationTask, error) {
	var t domain.VerificationTask
	var interactions string
	var closed int
	err := scan(&t.ID, &t.Provider, &t.ProviderVersion, &t.Consumer, &t.ConsumerVersion,
		&interactions, &t.ContractID, &closed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Interactions = unmarshalStrings(interactions)
	t.Closed = closed != 0
	return t, nil
}

// InsertTaskIfAbsentTx is the conditional insert behind the one-open-task
// invariant: the task row is written only when no open task exists for the
// same (consumer, consumer_version, provider, provider_version) tuple.
// Returns true when the row was inserted.
func (r Repo) InsertTaskIfAbsentTx(ctx context.Context, tx *sql.Tx, t domain.VerificationTask) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO verification_tasks(id,provider,provider_version,consumer,consumer_version,interactions_json,contract_id,closed,created_at)
SELECT ?,?,?,?,?,?,?,0,?
WHERE NOT EXISTS (
  SELECT 1 FROM verification_tasks
  WHERE consumer=? AND consumer_version=? AND provider=? AND provider_version=? AND closed=0
)`,
		t.ID, t.Provider, t.ProviderVersion, t.Consumer, t.ConsumerVersion,
		marshalStrings(t.Interactions), t.ContractID, t.CreatedAt,
		t.Consumer, t.ConsumerVersion, t.Provider, t.ProviderVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.VerificationTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM verification_tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.VerificationTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM verification_tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetOpenTaskTx(ctx context.Context, tx *sql.Tx, consumer, consumerVersion, provider, providerVersion string) (domain.VerificationTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM verification_tasks
WHERE consumer=? AND consumer_version=? AND provider=? AND provider_version=? AND closed=0`,
		consumer, consumerVersion, provider, providerVersion)
	return scanTask(row.Scan)
}

// CloseTaskTx retires an open task. Returns ErrNotFound when the task is
// missing or already closed, so a double submission surfaces as 404.
func (r Repo) CloseTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE verification_tasks SET closed=1 WHERE id=? AND closed=0`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	Provider      string
	Consumer      string
	IncludeClosed bool
	Limit         int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.VerificationTask, error) {
	var clauses []string
	var args []any
	if !f.IncludeClosed {
		clauses = append(clauses, "closed=0")
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, f.Provider)
	}
	if f.Consumer != "" {
		clauses = append(clauses, "consumer=?")
		args = append(args, f.Consumer)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM verification_tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerificationTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- results ---

const resultCols = `id,task_id,provider,provider_version,consumer,consumer_version,spec_type,outcomes_json,passed,failed,total,submitted_at,submitted_by`

func scanResult(scan func(dest ...any) error) (domain.VerificationResult, error) {
	var v domain.VerificationResult
	var specType sql.NullString
	var outcomes string
	err := scan(&v.ID, &v.TaskID, &v.Provider, &v.ProviderVersion, &v.Consumer, &v.ConsumerVersion,
		&specType, &outcomes, &v.Summary.Passed, &v.Summary.Failed, &v.Summary.Total, &v.SubmittedAt, &v.SubmittedBy)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if specType.Valid {
		v.SpecType = specType.String
	}
	_ = json.Unmarshal([]byte(outcomes), &v.Outcomes)
	return v, nil
}

func (r Repo) InsertResultTx(ctx context.Context, tx *sql.Tx, v domain.VerificationResult) error {
	outcomes, err := json.Marshal(v.Outcomes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO verification_results(id,task_id,provider,provider_version,consumer,consumer_version,spec_type,outcomes_json,passed,failed,total,submitted_at,submitted_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.TaskID, v.Provider, v.ProviderVersion, v.Consumer, v.ConsumerVersion,
		nullable(v.SpecType), string(outcomes), v.Summary.Passed, v.Summary.Failed, v.Summary.Total,
		v.SubmittedAt, v.SubmittedBy)
	return err
}

func (r Repo) GetResult(ctx context.Context, id string) (domain.VerificationResult, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+resultCols+` FROM verification_results WHERE id=?`, id)
	return scanResult(row.Scan)
}

type ResultFilters struct {
	Provider        string
	ProviderVersion string
	Consumer        string
	ConsumerVersion string
	Limit           int
}

func (r Repo) ListResults(ctx context.Context, f ResultFilters) ([]domain.VerificationResult, error) {
	var clauses []string
	var args []any
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, f.Provider)
	}
	if f.ProviderVersion != "" {
		clauses = append(clauses, "provider_version=?")
		args = append(args, f.ProviderVersion)
	}
	if f.Consumer != "" {
		clauses = append(clauses, "consumer=?")
		args = append(args, f.Consumer)
	}
	if f.ConsumerVersion != "" {
		clauses = append(clauses, "consumer_version=?")
		args = append(args, f.ConsumerVersion)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + resultCols + ` FROM verification_results ` + where + ` ORDER BY submitted_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerificationResult
	for rows.Next() {
		v, err := scanResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// PairState classifies the verification evidence for one exact version pair:
// "passed" when any result with failed==0 exists, "failed" when results
// exist but none passed, "unverified" when no result exists at all.
func (r Repo) PairState(ctx context.Context, consumer, consumerVersion, provider, providerVersion string) (string, error) {
	var total, passed int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN failed=0 THEN 1 ELSE 0 END),0)
FROM verification_results
WHERE consumer=? AND consumer_version=? AND provider=? AND provider_version=?`,
		consumer, consumerVersion, provider, providerVersion).Scan(&total, &passed)
	if err != nil {
		return "", err
	}
	switch {
	case total == 0:
		return "unverified", nil
	case passed > 0:
		return "passed", nil
	default:
		return "failed", nil
	}
}

// HasAnyResultTx reports whether any result exists for the exact pair,
// regardless of outcome. Used by the coordinator's task-creation condition.
func (r Repo) HasAnyResultTx(ctx context.Context, tx *sql.Tx, consumer, consumerVersion, provider, providerVersion string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM verification_results
WHERE consumer=? AND consumer_version=? AND provider=? AND provider_version=? LIMIT 1`,
		consumer, consumerVersion, provider, providerVersion).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
