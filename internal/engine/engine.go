package engine

import (
	"database/sql"
	"time"

	"contractline/internal/config"
	"contractline/internal/events"
	"contractline/internal/repo"
)

// Engine coordinates the contract-verification state machine: interaction
// recording, contract rollups, verification tasks and results, the fixture
// lifecycle, the deployment ledger, and the can-i-deploy gate.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) evidenceLimit() int {
	if e.Config == nil {
		return 0
	}
	return e.Config.Verification.EvidenceLimit
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
