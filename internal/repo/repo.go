package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"contractline/internal/config"
	"contractline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalStrings(in []string) string {
	if in == nil {
		in = []string{}
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// --- services ---

func (r Repo) InsertServiceTx(ctx context.Context, tx *sql.Tx, s domain.Service) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO services(name,roles_json,created_at) VALUES (?,?,?)`,
		s.Name, marshalStrings(s.Roles), s.CreatedAt)
	return err
}

func (r Repo) UpdateServiceRolesTx(ctx context.Context, tx *sql.Tx, name string, roles []string) error {
	res, err := tx.ExecContext(ctx, `UPDATE services SET roles_json=? WHERE name=?`, marshalStrings(roles), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetService(ctx context.Context, name string) (domain.Service, error) {
	var s domain.Service
	var roles string
	err := r.DB.QueryRowContext(ctx, `SELECT name,roles_json,created_at FROM services WHERE name=?`, name).
		Scan(&s.Name, &roles, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Roles = unmarshalStrings(roles)
	return s, nil
}

func (r Repo) GetServiceTx(ctx context.Context, tx *sql.Tx, name string) (domain.Service, error) {
	var s domain.Service
	var roles string
	err := tx.QueryRowContext(ctx, `SELECT name,roles_json,created_at FROM services WHERE name=?`, name).
		Scan(&s.Name, &roles, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Roles = unmarshalStrings(roles)
	return s, nil
}

func (r Repo) ListServices(ctx context.Context) ([]domain.Service, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,roles_json,created_at FROM services ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Service
	for rows.Next() {
		var s domain.Service
		var roles string
		if err := rows.Scan(&s.Name, &roles, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Roles = unmarshalStrings(roles)
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- service versions ---

func (r Repo) InsertServiceVersionTx(ctx context.Context, tx *sql.Tx, v domain.ServiceVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO service_versions(id,service,version,git_sha,spec_json,package_json,created_at,created_by) VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.Service, v.Version, nullableStringPtr(v.GitSHA), nullableStringPtr(v.SpecJSON), nullableStringPtr(v.PackageJSON), v.CreatedAt, v.CreatedBy)
	return err
}

func scanServiceVersion(scan func(dest ...any) error) (domain.ServiceVersion, error) {
	var v domain.ServiceVersion
	var gitSHA, specJSON, packageJSON sql.NullString
	err := scan(&v.ID, &v.Service, &v.Version, &gitSHA, &specJSON, &packageJSON, &v.CreatedAt, &v.CreatedBy)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if gitSHA.Valid {
		v.GitSHA = &gitSHA.String
	}
	if specJSON.Valid {
		v.SpecJSON = &specJSON.String
	}
	if packageJSON.Valid {
		v.PackageJSON = &packageJSON.String
	}
	return v, nil
}

const serviceVersionCols = `id,service,version,git_sha,spec_json,package_json,created_at,created_by`

func (r Repo) GetServiceVersion(ctx context.Context, service, version string) (domain.ServiceVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+serviceVersionCols+` FROM service_versions WHERE service=? AND version=?`, service, version)
	return scanServiceVersion(row.Scan)
}

func (r Repo) ListServiceVersions(ctx context.Context, service string) ([]domain.ServiceVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+serviceVersionCols+` FROM service_versions WHERE service=? ORDER BY created_at DESC, id DESC`, service)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceVersion
	for rows.Next() {
		v, err := scanServiceVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// --- interactions ---

func (r Repo) InsertInteractionTx(ctx context.Context, tx *sql.Tx, in domain.Interaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO interactions(id,provider,operation,consumer,consumer_version,provider_version,environment,request_json,response_json,contract_id,ts)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Provider, in.Operation, in.Consumer, in.ConsumerVersion, in.ProviderVersion,
		nullable(in.Environment), in.RequestJSON, in.ResponseJSON, nullableStringPtr(in.ContractID), in.TS)
	return err
}

const interactionCols = `id,provider,operation,consumer,consumer_version,provider_version,environment,request_json,response_json,contract_id,ts`

func scanInteraction(scan func(dest ...any) error) (domain.Interaction, error) {
	var in domain.Interaction
	var env, contractID sql.NullString
	err := scan(&in.ID, &in.Provider, &in.Operation, &in.Consumer, &in.ConsumerVersion, &in.ProviderVersion,
		&env, &in.RequestJSON, &in.ResponseJSON, &contractID, &in.TS)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if env.Valid {
		in.Environment = env.String
	}
	if contractID.Valid {
		in.ContractID = &contractID.String
	}
	return in, nil
}

func (r Repo) GetInteraction(ctx context.Context, id string) (domain.Interaction, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+interactionCols+` FROM interactions WHERE id=?`, id)
	return scanInteraction(row.Scan)
}

func (r Repo) GetInteractionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Interaction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+interactionCols+` FROM interactions WHERE id=?`, id)
	return scanInteraction(row.Scan)
}

type InteractionFilters struct {
	Consumer        string
	ConsumerVersion string
	Provider        string
	Operation       string
	ContractID      string
	Limit           int
	CursorTS        string
	CursorID        string
}

func (r Repo) ListInteractions(ctx context.Context, f InteractionFilters) ([]domain.Interaction, error) {
	var clauses []string
	var args []any
	if f.Consumer != "" {
		clauses = append(clauses, "consumer=?")
		args = append(args, f.Consumer)
	}
	if f.ConsumerVersion != "" {
		clauses = append(clauses, "consumer_version=?")
		args = append(args, f.ConsumerVersion)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, f.Provider)
	}
	if f.Operation != "" {
		clauses = append(clauses, "operation=?")
		args = append(args, f.Operation)
	}
	if f.ContractID != "" {
		clauses = append(clauses, "contract_id=?")
		args = append(args, f.ContractID)
	}
	if f.CursorTS != "" && f.CursorID != "" {
		clauses = append(clauses, "(ts < ? OR (ts = ? AND id < ?))")
		args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + interactionCols + ` FROM interactions ` + where + ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// RecentInteractionIDsTx returns the newest interaction ids for the
// (consumer, consumerVersion, provider) combination, newest first.
// limit 0 means all.
func (r Repo) RecentInteractionIDsTx(ctx context.Context, tx *sql.Tx, consumer, consumerVersion, provider string, limit int) ([]string, error) {
	query := `SELECT id FROM interactions WHERE consumer=? AND consumer_version=? AND provider=? ORDER BY ts DESC, id DESC`
	args := []any{consumer, consumerVersion, provider}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
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

// --- contracts ---

const contractCols = `id,consumer_name,consumer_version,provider_name,provider_version,spec_type,interaction_count,status,last_seen,created_at`

func scanContract(scan func(dest ...any) error) (domain.Contract, error) {
	var c domain.Contract
	var specType sql.NullString
	err := scan(&c.ID, &c.ConsumerName, &c.ConsumerVersion, &c.ProviderName, &c.ProviderVersion,
		&specType, &c.InteractionCount, &c.Status, &c.LastSeen, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if specType.Valid {
		c.SpecType = specType.String
	}
	return c, nil
}

func (r Repo) InsertContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(id,consumer_name,consumer_version,provider_name,provider_version,spec_type,interaction_count,status,last_seen,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ConsumerName, c.ConsumerVersion, c.ProviderName, c.ProviderVersion,
		nullable(c.SpecType), c.InteractionCount, c.Status, c.LastSeen, c.CreatedAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE id=?`, id)
	return scanContract(row.Scan)
}

func (r Repo) GetContractByPairTx(ctx context.Context, tx *sql.Tx, consumer, provider string) (domain.Contract, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE consumer_name=? AND provider_name=?`, consumer, provider)
	return scanContract(row.Scan)
}

type ContractFilters struct {
	Consumer string
	Provider string
	Status   string
}

func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, error) {
	var clauses []string
	var args []any
	if f.Consumer != "" {
		clauses = append(clauses, "consumer_name=?")
		args = append(args, f.Consumer)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider_name=?")
		args = append(args, f.Provider)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contractCols+` FROM contracts `+where+` ORDER BY last_seen DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ContractsByProviderTx(ctx context.Context, tx *sql.Tx, provider string) ([]domain.Contract, error) {
	return contractsByColumnTx(ctx, tx, "provider_name", provider)
}

func (r Repo) ContractsByConsumerTx(ctx context.Context, tx *sql.Tx, consumer string) ([]domain.Contract, error) {
	return contractsByColumnTx(ctx, tx, "consumer_name", consumer)
}

func contractsByColumnTx(ctx context.Context, tx *sql.Tx, column, value string) ([]domain.Contract, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE `+column+`=? AND status='active' ORDER BY id ASC`, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// RefreshContractRollupTx recomputes the derived fields from the interaction
// ledger inside the caller's transaction. The count is a subselect, not an
// increment, so concurrent writers cannot lose updates.
func (r Repo) RefreshContractRollupTx(ctx context.Context, tx *sql.Tx, contractID, consumerVersion, providerVersion, specType, lastSeen string) error {
	_, err := tx.ExecContext(ctx, `UPDATE contracts SET
  consumer_version=?,
  provider_version=COALESCE(NULLIF(?,''), provider_version),
  spec_type=COALESCE(NULLIF(?,''), spec_type),
  last_seen=?,
  interaction_count=(SELECT COUNT(*) FROM interactions WHERE consumer=contracts.consumer_name AND provider=contracts.provider_name)
WHERE id=?`, consumerVersion, providerVersion, specType, lastSeen, contractID)
	return err
}

func (r Repo) UpdateContractStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteContractsTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM contracts`)
	return err
}

// StaleContracts returns active contracts whose last_seen is before the
// cutoff, as archival proposals. The engine never archives on its own.
func (r Repo) StaleContracts(ctx context.Context, cutoff string) ([]domain.Contract, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE status='active' AND last_seen < ? ORDER BY last_seen ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- events ---

type EventFilters struct {
	Service    string
	Type       string
	EntityKind string
	EntityID   string
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Service != "" {
		clauses = append(clauses, "service=?")
		args = append(args, f.Service)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,service,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var service, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &service, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if service.Valid {
			e.Service = service.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- broker config ---

func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	return upsertConfig(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertConfig(ctx, nil, tx, cfg)
}

func upsertConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO configs(id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM configs WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}
