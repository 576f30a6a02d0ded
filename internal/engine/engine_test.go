package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"contractline/internal/config"
	"contractline/internal/db"
	"contractline/internal/domain"
	"contractline/internal/engine"
	"contractline/internal/migrate"
	"contractline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-broker")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func recordInteraction(t *testing.T, env testEnv, consumer, consumerVersion, provider string) domain.Interaction {
	t.Helper()
	in, err := env.Engine.RecordInteraction(env.Ctx, engine.RecordInteractionOptions{
		Provider:        provider,
		Operation:       "GET /users/{id}",
		Consumer:        consumer,
		ConsumerVersion: consumerVersion,
		RequestJSON:     `{"path":"/users/42"}`,
		ResponseJSON:    `{"status":200,"body":{"id":"42"}}`,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("record interaction: %v", err)
	}
	return in
}

func deploy(t *testing.T, env testEnv, service, version, environment string) domain.DeploymentState {
	t.Helper()
	d, err := env.Engine.RecordDeployment(env.Ctx, engine.RecordDeploymentOptions{
		Service:     service,
		Version:     version,
		Environment: environment,
		Status:      "successful",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("deploy %s %s: %v", service, version, err)
	}
	return d
}

func openTasks(t *testing.T, env testEnv, provider string) []domain.VerificationTask {
	t.Helper()
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{Provider: provider})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return tasks
}

func submitResult(t *testing.T, env testEnv, task domain.VerificationTask, success bool) domain.VerificationResult {
	t.Helper()
	outcomes := make([]domain.InteractionOutcome, 0, len(task.Interactions))
	for _, id := range task.Interactions {
		o := domain.InteractionOutcome{InteractionID: id, Success: success}
		if !success {
			o.Error = &domain.OutcomeError{Type: "status_mismatch", Expected: "200", Actual: "500"}
		}
		outcomes = append(outcomes, o)
	}
	res, err := env.Engine.SubmitVerificationResult(env.Ctx, engine.SubmitResultOptions{
		TaskID:   task.ID,
		Outcomes: outcomes,
		ActorID:  "verifier",
	})
	if err != nil {
		t.Fatalf("submit result: %v", err)
	}
	return res
}

func TestInteractionRollup(t *testing.T) {
	env := newTestEnv(t)
	first := recordInteraction(t, env, "web", "1.0.0", "api")
	second := recordInteraction(t, env, "web", "1.0.0", "api")
	if first.ContractID == nil || second.ContractID == nil {
		t.Fatalf("interactions missing contract id")
	}
	if *first.ContractID != *second.ContractID {
		t.Fatalf("same pair produced different contracts: %s vs %s", *first.ContractID, *second.ContractID)
	}
	c, err := env.Engine.Repo.GetContract(env.Ctx, *first.ContractID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if c.InteractionCount != 2 {
		t.Fatalf("expected interaction_count 2, got %d", c.InteractionCount)
	}
	if c.Status != "active" {
		t.Fatalf("expected active contract, got %s", c.Status)
	}
	// services auto-registered with the observed roles
	web, err := env.Engine.Repo.GetService(env.Ctx, "web")
	if err != nil {
		t.Fatalf("get web: %v", err)
	}
	if len(web.Roles) != 1 || web.Roles[0] != "consumer" {
		t.Fatalf("expected web roles [consumer], got %v", web.Roles)
	}
}

func TestRecordInteractionValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordInteraction(env.Ctx, engine.RecordInteractionOptions{
		Provider:        "api",
		Operation:       "GET /x",
		Consumer:        "web",
		ConsumerVersion: "1.0.0",
		ResponseJSON:    `{"body":{}}`, // no status key
		ActorID:         "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegisterServiceIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.RegisterService(env.Ctx, "api", []string{"provider"}, "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(s.Roles) != 1 || s.Roles[0] != "provider" {
		t.Fatalf("roles = %v", s.Roles)
	}
	// registering again with an extra role unions, never duplicates
	s, err = env.Engine.RegisterService(env.Ctx, "api", []string{"consumer", "provider"}, "tester")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if len(s.Roles) != 2 {
		t.Fatalf("expected 2 roles after union, got %v", s.Roles)
	}
}

func TestTaskOpensOnProviderDeployment(t *testing.T) {
	env := newTestEnv(t)
	recordInteraction(t, env, "web", "1.0.0", "api")

	// no provider version active yet, so no task
	if tasks := openTasks(t, env, "api"); len(tasks) != 0 {
		t.Fatalf("expected no tasks before deployment, got %d", len(tasks))
	}

	deploy(t, env, "api", "2.0.0", "production")
	tasks := openTasks(t, env, "api")
	if len(tasks) != 1 {
		t.Fatalf("expected 1 open task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Consumer != "web" || task.ConsumerVersion != "1.0.0" || task.ProviderVersion != "2.0.0" {
		t.Fatalf("unexpected task %+v", task)
	}
	if len(task.Interactions) == 0 {
		t.Fatalf("task carries no evidence")
	}

	// re-activating the same version must not open a duplicate
	deploy(t, env, "api", "2.0.0", "production")
	recordInteraction(t, env, "web", "1.0.0", "api")
	if tasks := openTasks(t, env, "api"); len(tasks) != 1 {
		t.Fatalf("expected still 1 open task, got %d", len(tasks))
	}
}

func TestSubmitResultClosesTask(t *testing.T) {
	env := newTestEnv(t)
	recordInteraction(t, env, "web", "1.0.0", "api")
	deploy(t, env, "api", "2.0.0", "production")
	task := openTasks(t, env, "api")[0]

	res := submitResult(t, env, task, true)
	if res.Summary.Failed != 0 || res.Summary.Passed != res.Summary.Total {
		t.Fatalf("unexpected summary %+v", res.Summary)
	}

	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !got.Closed {
		t.Fatalf("task not closed after result")
	}

	// a second submission against a closed task is rejected
	_, err = env.Engine.SubmitVerificationResult(env.Ctx, engine.SubmitResultOptions{
		TaskID:   task.ID,
		Outcomes: []domain.InteractionOutcome{{InteractionID: task.Interactions[0], Success: true}},
		ActorID:  "verifier",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on closed task, got %v", err)
	}

	state, err := env.Engine.Repo.PairState(env.Ctx, "web", "1.0.0", "api", "2.0.0")
	if err != nil {
		t.Fatalf("pair state: %v", err)
	}
	if state != "passed" {
		t.Fatalf("expected passed, got %s", state)
	}
}

func TestCanDeployGate(t *testing.T) {
	env := newTestEnv(t)

	// greenfield service with no contracts deploys freely
	deploy(t, env, "lonely", "1.0.0", "production")
	d, err := env.Engine.CanDeploy(env.Ctx, "lonely", "1.0.0", "provider", "production")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !d.Allowed || d.Reason != "no contracts to verify" {
		t.Fatalf("greenfield: %+v", d)
	}

	recordInteraction(t, env, "web", "1.0.0", "api")

	// contract exists but provider has nothing active in the environment
	d, err = env.Engine.CanDeploy(env.Ctx, "web", "1.0.0", "consumer", "production")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !d.Allowed || d.Reason != "no active counterparts" {
		t.Fatalf("no counterpart: %+v", d)
	}

	deploy(t, env, "api", "2.0.0", "production")

	// unverified pair blocks
	d, err = env.Engine.CanDeploy(env.Ctx, "web", "1.0.0", "consumer", "production")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if d.Allowed || d.Reason != "not verified" {
		t.Fatalf("unverified: %+v", d)
	}
	if len(d.Details) != 1 || d.Details[0].State != "unverified" {
		t.Fatalf("details: %+v", d.Details)
	}

	task := openTasks(t, env, "api")[0]
	submitResult(t, env, task, true)

	d, err = env.Engine.CanDeploy(env.Ctx, "web", "1.0.0", "consumer", "production")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !d.Allowed || d.Reason != "verified" {
		t.Fatalf("verified: %+v", d)
	}

	// provider side sees the same evidence once the consumer is live
	deploy(t, env, "web", "1.0.0", "production")
	d, err = env.Engine.CanDeploy(env.Ctx, "api", "2.0.0", "provider", "production")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !d.Allowed || d.Reason != "verified" {
		t.Fatalf("provider verified: %+v", d)
	}
}

func TestCanDeployUnknownEnvironment(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CanDeploy(env.Ctx, "web", "1.0.0", "consumer", "mars")
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for unknown environment, got %v", err)
	}
}

func TestFailedVerificationBlocksThenReverify(t *testing.T) {
	env := newTestEnv(t)
	recordInteraction(t, env, "web", "1.0.0", "api")
	deploy(t, env, "api", "2.0.0", "production")
	task := openTasks(t, env, "api")[0]
	submitResult(t, env, task, false)

	d, err := env.Engine.CanDeploy(env.Ctx, "web", "1.0.0", "consumer", "production")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if d.Allowed || d.Reason != "verification failed" {
		t.Fatalf("failed pair: %+v", d)
	}

	// a fresh run over the same pair can repair the state
	retask, created, err := env.Engine.RequestReverification(env.Ctx, "web", "1.0.0", "api", "2.0.0", "tester")
	if err != nil {
		t.Fatalf("request reverification: %v", err)
	}
	if !created {
		t.Fatalf("expected a new task")
	}
	submitResult(t, env, retask, true)

	d, err = env.Engine.CanDeploy(env.Ctx, "web", "1.0.0", "consumer", "production")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !d.Allowed || d.Reason != "verified" {
		t.Fatalf("after reverify: %+v", d)
	}
}

func TestDeploymentActivationSwap(t *testing.T) {
	env := newTestEnv(t)
	deploy(t, env, "api", "1.0.0", "production")
	deploy(t, env, "api", "2.0.0", "production")

	active, err := env.Engine.ActiveDeployment(env.Ctx, "api", "production")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.Version != "2.0.0" {
		t.Fatalf("expected 2.0.0 active, got %s", active.Version)
	}

	history, err := env.Engine.DeploymentHistory(env.Ctx, "api", "production", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(history))
	}
	actives := 0
	for _, h := range history {
		if h.Active {
			actives++
		}
	}
	if actives != 1 {
		t.Fatalf("expected exactly one active row, got %d", actives)
	}

	// failed attempt needs a reason and never touches the active row
	_, err = env.Engine.RecordDeployment(env.Ctx, engine.RecordDeploymentOptions{
		Service: "api", Version: "3.0.0", Environment: "production", Status: "failed", ActorID: "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error without failure_reason, got %v", err)
	}
	if _, err := env.Engine.RecordDeployment(env.Ctx, engine.RecordDeploymentOptions{
		Service: "api", Version: "3.0.0", Environment: "production", Status: "failed",
		FailureReason: "smoke tests red", ActorID: "tester",
	}); err != nil {
		t.Fatalf("failed deployment: %v", err)
	}
	active, err = env.Engine.ActiveDeployment(env.Ctx, "api", "production")
	if err != nil {
		t.Fatalf("active after failure: %v", err)
	}
	if active.Version != "2.0.0" {
		t.Fatalf("failed deploy displaced active version: %s", active.Version)
	}
}

func TestFixtureLifecycle(t *testing.T) {
	env := newTestEnv(t)
	f, err := env.Engine.ProposeFixture(env.Ctx, engine.ProposeFixtureOptions{
		Service:   "api",
		Operation: "GET /users/{id}",
		DataJSON:  `{"status":200,"body":{"id":"42"}}`,
		Source:    "consumer",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if f.Status != "draft" {
		t.Fatalf("expected draft, got %s", f.Status)
	}

	f, err = env.Engine.ApproveFixture(env.Ctx, f.ID, "reviewer", "looks right")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if f.Status != "approved" || f.ApprovedBy == nil || *f.ApprovedBy != "reviewer" {
		t.Fatalf("approved fixture %+v", f)
	}

	// approved fixtures are withdrawn with revoke, not reject
	_, err = env.Engine.RejectFixture(env.Ctx, f.ID, "reviewer", "")
	var terr engine.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	f, err = env.Engine.RevokeFixture(env.Ctx, f.ID, "reviewer", "payload drifted")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if f.Status != "rejected" {
		t.Fatalf("expected rejected after revoke, got %s", f.Status)
	}

	// a rejected fixture may be rehabilitated
	f, err = env.Engine.ApproveFixture(env.Ctx, f.ID, "reviewer", "fixed upstream")
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if f.Status != "approved" {
		t.Fatalf("expected approved, got %s", f.Status)
	}

	approved, err := env.Engine.ApprovedFixtures(env.Ctx, "api", "GET /users/{id}")
	if err != nil {
		t.Fatalf("approved fixtures: %v", err)
	}
	if len(approved) != 1 {
		t.Fatalf("expected 1 approved fixture, got %d", len(approved))
	}
}

func TestApproveAllDrafts(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.ProposeFixture(env.Ctx, engine.ProposeFixtureOptions{
			Service:   "api",
			Operation: "GET /health",
			DataJSON:  `{"status":200}`,
			Source:    "provider",
			Priority:  i,
			ActorID:   "tester",
		}); err != nil {
			t.Fatalf("propose %d: %v", i, err)
		}
	}
	outcomes, err := env.Engine.ApproveAllDrafts(env.Ctx, "api", "reviewer")
	if err != nil {
		t.Fatalf("approve all: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.OK {
			t.Fatalf("outcome %s failed: %s", o.ID, o.Err)
		}
	}
}

func TestAutoProposeFixtures(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Fixtures.AutoPropose = true
	recordInteraction(t, env, "web", "1.0.0", "api")
	deploy(t, env, "api", "2.0.0", "production")
	task := openTasks(t, env, "api")[0]
	submitResult(t, env, task, true)

	fixtures, err := env.Engine.Repo.ListFixtures(env.Ctx, repo.FixtureFilters{Service: "api", Status: "draft"})
	if err != nil {
		t.Fatalf("list fixtures: %v", err)
	}
	if len(fixtures) != 1 {
		t.Fatalf("expected 1 auto-proposed draft, got %d", len(fixtures))
	}
	if fixtures[0].Source != "provider" {
		t.Fatalf("expected provider source, got %s", fixtures[0].Source)
	}
}

func TestContractStatusAndRebuild(t *testing.T) {
	env := newTestEnv(t)
	in := recordInteraction(t, env, "web", "1.0.0", "api")
	c, err := env.Engine.SetContractStatus(env.Ctx, *in.ContractID, "archived", "tester")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if c.Status != "archived" {
		t.Fatalf("expected archived, got %s", c.Status)
	}
	if _, err := env.Engine.SetContractStatus(env.Ctx, *in.ContractID, "nonsense", "tester"); err == nil {
		t.Fatalf("expected error for bad status")
	}

	recordInteraction(t, env, "mobile", "3.1.0", "api")
	n, err := env.Engine.RebuildContracts(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rebuilt contracts, got %d", n)
	}
	// rebuild resets curation back to active
	c, err = env.Engine.Repo.GetContract(env.Ctx, *in.ContractID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if c.Status != "active" || c.InteractionCount != 1 {
		t.Fatalf("rebuilt contract %+v", c)
	}
}

func TestConcurrentTaskCreation(t *testing.T) {
	env := newTestEnv(t)
	recordInteraction(t, env, "web", "1.0.0", "api")

	const workers = 8
	created := make(chan bool, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, wasNew, err := env.Engine.RequestReverification(env.Ctx, "web", "1.0.0", "api", "2.0.0", "tester")
			if err != nil {
				errs <- err
				return
			}
			created <- wasNew
		}()
	}
	wg.Wait()
	close(created)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent request: %v", err)
	}
	var news int
	for wasNew := range created {
		if wasNew {
			news++
		}
	}
	if news != 1 {
		t.Fatalf("expected exactly one creation, got %d", news)
	}
	if tasks := openTasks(t, env, "api"); len(tasks) != 1 {
		t.Fatalf("expected 1 open task, got %d", len(tasks))
	}
}

func TestRequestReverificationNeedsEvidence(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.RequestReverification(env.Ctx, "web", "1.0.0", "api", "2.0.0", "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found without a contract, got %v", err)
	}
}
