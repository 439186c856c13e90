package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/migrate"
	"marketline/internal/obs"
	"marketline/internal/repo"
	"marketline/internal/scheduler"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Rec    scheduler.Reconciler
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	obs.Init()
	eng := engine.New(conn, config.Default("marketline-test"))
	eng.Logger = obs.Discard()
	eng.Now = func() time.Time { return t0 }
	return &testEnv{
		Engine: eng,
		Rec:    scheduler.Reconciler{Engine: eng, Logger: obs.Discard()},
		Ctx:    context.Background(),
	}
}

func (env *testEnv) at(t time.Time) engine.Engine { return env.Engine.At(t) }

func (env *testEnv) assign(t *testing.T, at time.Time, taskID string, amount int64) {
	t.Helper()
	if _, _, err := env.at(at).AssignExecutor(env.Ctx, engine.AssignOptions{
		TaskID: taskID, CustomerID: "cust-1", ExecutorID: "exec-1", Amount: amount, ActorID: "cust-1",
	}); err != nil {
		t.Fatalf("assign %s: %v", taskID, err)
	}
}

func (env *testEnv) status(t *testing.T, taskID string) domain.AssignmentStatus {
	t.Helper()
	a, err := env.Engine.GetAssignment(env.Ctx, taskID, "exec-1")
	if err != nil {
		t.Fatalf("get %s: %v", taskID, err)
	}
	return a.Status
}

func (env *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	n, err := repo.Escrow{Repo: env.Engine.Repo}.Balance(env.Ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSweepRemovesNoStartOnce(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, t0, "task-1", 500)

	report := env.Rec.Run(env.Ctx, t0.Add(12*time.Hour+time.Minute))
	if got := report.Step(scheduler.StepNoStart).Repaired; got != 1 {
		t.Fatalf("expected one removal, got %d (%+v)", got, report)
	}
	if st := env.status(t, "task-1"); st != domain.AssignmentRemovedAuto {
		t.Fatalf("expected removed_auto, got %s", st)
	}
	if got := env.balance(t, "cust-1"); got != 500 {
		t.Fatalf("expected escrow back with the customer, got %d", got)
	}

	again := env.Rec.Run(env.Ctx, t0.Add(12*time.Hour+2*time.Minute))
	if again.Repairs() != 0 || len(again.Failures) != 0 {
		t.Fatalf("second sweep must be a no-op: %+v", again)
	}
	n, err := env.Engine.CountSince(env.Ctx, "exec-1", domain.ViolationNoStart, t0)
	if err != nil || n != 1 {
		t.Fatalf("expected exactly one violation, got %d err=%v", n, err)
	}
}

func TestSweepLadderReachesBan(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		assigned := t0.Add(time.Duration(i) * 24 * time.Hour)
		task := fmt.Sprintf("task-%d", i+1)
		// Later assignments arrive while the executor is blocked, as assignments made
		// elsewhere would.
		if _, _, err := env.at(assigned).CreatePendingStart(env.Ctx, task, "exec-1", "cust-1", "cust-1"); err != nil {
			t.Fatalf("create %s: %v", task, err)
		}
		env.Rec.Run(env.Ctx, assigned.Add(12*time.Hour+time.Minute))
	}
	notes, err := env.Engine.Repo.ListNotificationsFor(env.Ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	var got []domain.NotificationType
	for _, n := range notes {
		got = append(got, n.Type)
	}
	want := []domain.NotificationType{
		domain.NotifyViolationWarning, domain.NotifyViolationPenalty, domain.NotifyViolationBlock,
		domain.NotifyViolationBlock, domain.NotifyViolationBan,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected actions %v, got %v", want, got)
	}
	banned, err := env.Engine.ListBanned(env.Ctx)
	if err != nil || len(banned) != 1 || banned[0].ExecutorID != "exec-1" {
		t.Fatalf("expected exec-1 banned, got %+v err=%v", banned, err)
	}
	if delta, _ := env.Engine.RatingDelta(env.Ctx, "exec-1"); delta != -5 {
		t.Fatalf("expected a single -5%% rating penalty, got %d", delta)
	}
}

func TestSweepEscalatesOverdueToDecision(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, t0, "task-1", 100)
	if _, _, err := env.Engine.StartWork(env.Ctx, "task-1", "exec-1", "exec-1"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.AddMessage(env.Ctx, "task-1", "exec-1", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	r := env.Rec.Run(env.Ctx, t0.Add(24*time.Hour))
	if r.Step(scheduler.StepOverdue).Repaired != 1 || env.status(t, "task-1") != domain.AssignmentOverdue {
		t.Fatalf("expected overdue after the deadline: %+v", r)
	}
	r = env.Rec.Run(env.Ctx, t0.Add(48*time.Hour))
	if r.Step(scheduler.StepAutoDispute).Repaired != 1 || env.status(t, "task-1") != domain.AssignmentDisputeOpened {
		t.Fatalf("expected automatic dispute: %+v", r)
	}
	r = env.Rec.Run(env.Ctx, t0.Add(72*time.Hour))
	if r.Step(scheduler.StepAutoDecide).Repaired != 1 {
		t.Fatalf("expected automatic decision: %+v", r)
	}
	disputes, err := env.Engine.ListDisputes(env.Ctx)
	if err != nil || len(disputes) != 1 {
		t.Fatalf("expected one dispute, got %d err=%v", len(disputes), err)
	}
	d := disputes[0]
	if d.Status != domain.DisputeClosed || d.Decision != domain.DecisionPartialRefund || d.ExecutorAmount != 50 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if env.balance(t, "exec-1") != 50 || env.balance(t, "cust-1") != 50 {
		t.Fatalf("expected a 50/50 payout")
	}
	if r := env.Rec.Run(env.Ctx, t0.Add(73*time.Hour)); r.Repairs() != 0 {
		t.Fatalf("sweep after closing must be a no-op: %+v", r)
	}
}

func TestSweepAutoAcceptsPauseThenResumes(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, t0, "task-1", 100)
	if _, _, err := env.Engine.StartWork(env.Ctx, "task-1", "exec-1", "exec-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.at(t0.Add(time.Hour)).RequestPause(env.Ctx, "task-1", "exec-1", "illness", time.Hour, "exec-1"); err != nil {
		t.Fatal(err)
	}
	env.Rec.Run(env.Ctx, t0.Add(13*time.Hour))
	a, _ := env.Engine.GetAssignment(env.Ctx, "task-1", "exec-1")
	if a.Status != domain.AssignmentPaused || a.PauseDecision != domain.PauseDecisionAuto {
		t.Fatalf("expected auto-accepted pause, got %s/%s", a.Status, a.PauseDecision)
	}
	if a.ExecutionExtension != 12*time.Hour {
		t.Fatalf("expected capped 12h extension, got %s", a.ExecutionExtension)
	}
	env.Rec.Run(env.Ctx, t0.Add(14*time.Hour))
	if st := env.status(t, "task-1"); st != domain.AssignmentInProgress {
		t.Fatalf("expected resumed work, got %s", st)
	}
}

func TestSweepAutoAcceptsSilentSubmission(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, t0, "task-1", 300)
	if _, _, err := env.Engine.StartWork(env.Ctx, "task-1", "exec-1", "exec-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.at(t0.Add(2*time.Hour)).MarkSubmitted(env.Ctx, "task-1", "exec-1", 1, "exec-1"); err != nil {
		t.Fatal(err)
	}
	if r := env.Rec.Run(env.Ctx, t0.Add(25*time.Hour)); r.Step(scheduler.StepSubmissionAccept).Repaired != 0 {
		t.Fatalf("review window still open: %+v", r)
	}
	env.Rec.Run(env.Ctx, t0.Add(26*time.Hour))
	if st := env.status(t, "task-1"); st != domain.AssignmentAccepted {
		t.Fatalf("expected accepted, got %s", st)
	}
	if got := env.balance(t, "exec-1"); got != 300 {
		t.Fatalf("expected executor paid, got %d", got)
	}
}

func TestSweepAppliesFinishedDisruptionOnce(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, t0, "task-1", 100)
	if _, _, err := env.Engine.StartWork(env.Ctx, "task-1", "exec-1", "exec-1"); err != nil {
		t.Fatal(err)
	}
	d, err := env.Engine.DeclareDisruption(env.Ctx, "outage", t0.Add(time.Hour), []string{"task-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.EndDisruption(env.Ctx, d.ID, t0.Add(4*time.Hour)); err != nil {
		t.Fatal(err)
	}
	env.Rec.Run(env.Ctx, t0.Add(5*time.Hour))
	r := env.Rec.Run(env.Ctx, t0.Add(6*time.Hour))
	if r.Step(scheduler.StepForceMajeure).Repaired != 0 {
		t.Fatalf("disruption must apply once: %+v", r)
	}
	a, _ := env.Engine.GetAssignment(env.Ctx, "task-1", "exec-1")
	if a.ExecutionExtension != 3*time.Hour || !a.HasForceMajeureEvent(d.ID) {
		t.Fatalf("expected a 3h shift, got %s", a.ExecutionExtension)
	}
}

func TestSweepBackfillsMissingAssignments(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.InsertContract(env.Ctx, domain.Contract{
		TaskID: "task-9", ExecutorID: "exec-1", CustomerID: "cust-1", Status: domain.ContractActive, Amount: 10, UpdatedAt: t0,
	}); err != nil {
		t.Fatal(err)
	}
	r := env.Rec.Run(env.Ctx, t0)
	if r.Step(scheduler.StepBackfill).Repaired != 1 || env.status(t, "task-9") != domain.AssignmentPendingStart {
		t.Fatalf("expected backfilled assignment: %+v", r)
	}
}

func (env *testEnv) openDispute(t *testing.T, at time.Time, taskID string) domain.Dispute {
	t.Helper()
	if _, _, err := env.Engine.StartWork(env.Ctx, taskID, "exec-1", "exec-1"); err != nil {
		t.Fatalf("start %s: %v", taskID, err)
	}
	d, opened, err := env.at(at).OpenDispute(env.Ctx, taskID, "exec-1", "cust-1", "no reply from executor")
	if err != nil || !opened {
		t.Fatalf("open dispute on %s: opened=%v err=%v", taskID, opened, err)
	}
	return d
}

func TestSweepAutoRefundsIdleDisputeOnce(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, t0, "task-1", 100)
	d := env.openDispute(t, t0.Add(time.Hour), "task-1")

	if r := env.Rec.Run(env.Ctx, t0.Add(24*time.Hour)); r.Step(scheduler.StepAutoDecide).Repaired != 0 {
		t.Fatalf("dispute is not a day old yet: %+v", r)
	}
	r := env.Rec.Run(env.Ctx, t0.Add(25*time.Hour))
	if r.Step(scheduler.StepAutoDecide).Repaired != 1 || len(r.Failures) != 0 {
		t.Fatalf("expected automatic refund: %+v", r)
	}
	got, err := env.Engine.GetDispute(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.DisputeClosed || got.Decision != domain.DecisionRefundToCustomer || !got.AutoDecided || got.SettledAt == nil {
		t.Fatalf("unexpected dispute %+v", got)
	}
	if env.balance(t, "cust-1") != 100 || env.balance(t, "exec-1") != 0 {
		t.Fatalf("expected the escrow back with the customer")
	}
	if st := env.status(t, "task-1"); st != domain.AssignmentCancelledByCustomer {
		t.Fatalf("expected cancelled assignment, got %s", st)
	}

	again := env.Rec.Run(env.Ctx, t0.Add(26*time.Hour))
	if again.Repairs() != 0 || len(again.Failures) != 0 {
		t.Fatalf("sweep after the refund must be a no-op: %+v", again)
	}
}

func TestSweepApprovedContractSupersedesOpenDispute(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, t0, "task-1", 100)
	d := env.openDispute(t, t0.Add(time.Hour), "task-1")
	if err := env.Engine.Repo.SetContractStatus(env.Ctx, "task-1", "exec-1", domain.ContractApproved, t0.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	r := env.Rec.Run(env.Ctx, t0.Add(26*time.Hour))
	if len(r.Failures) != 0 {
		t.Fatalf("unexpected failures %+v", r.Failures)
	}
	if st := env.status(t, "task-1"); st != domain.AssignmentAccepted {
		t.Fatalf("expected accepted, got %s", st)
	}
	c, err := env.Engine.Repo.GetContract(env.Ctx, "task-1", "exec-1")
	if err != nil || c.Status != domain.ContractApproved {
		t.Fatalf("approved contract must stand, got %+v err=%v", c, err)
	}
	got, err := env.Engine.GetDispute(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.DisputeClosed || got.Decision != "" || got.LockedDecisionAt != nil {
		t.Fatalf("expected the dispute closed without a decision, got %+v", got)
	}
	if env.balance(t, "exec-1") != 100 || env.balance(t, "cust-1") != 0 {
		t.Fatalf("expected the executor paid, exec=%d cust=%d", env.balance(t, "exec-1"), env.balance(t, "cust-1"))
	}
	if again := env.Rec.Run(env.Ctx, t0.Add(27*time.Hour)); again.Repairs() != 0 || len(again.Failures) != 0 {
		t.Fatalf("expected a no-op sweep: %+v", again)
	}
}

func TestSweepCancelledContractClosesOpenDispute(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, t0, "task-1", 100)
	d := env.openDispute(t, t0.Add(time.Hour), "task-1")
	if err := env.Engine.Repo.SetContractStatus(env.Ctx, "task-1", "exec-1", domain.ContractCancelled, t0.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	for _, at := range []time.Duration{26 * time.Hour, 27 * time.Hour} {
		if r := env.Rec.Run(env.Ctx, t0.Add(at)); len(r.Failures) != 0 {
			t.Fatalf("sweep at +%s failed: %+v", at, r.Failures)
		}
	}
	got, err := env.Engine.GetDispute(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.DisputeClosed || got.Decision != "" {
		t.Fatalf("expected the dispute closed without a decision, got %+v", got)
	}
	if st := env.status(t, "task-1"); !st.Terminal() {
		t.Fatalf("expected a terminal assignment, got %s", st)
	}
	if env.balance(t, "cust-1") != 100 || env.balance(t, "exec-1") != 0 {
		t.Fatalf("expected the escrow back with the customer")
	}
}

type failingRatings struct{}

func (failingRatings) AdjustRating(context.Context, string, string, int, time.Time) (bool, error) {
	return false, errors.New("rating service unavailable")
}

func TestSweepRetriesInterruptedSanction(t *testing.T) {
	env := newTestEnv(t)
	for i, task := range []string{"task-1", "task-2"} {
		assigned := t0.Add(time.Duration(i) * 24 * time.Hour)
		if _, _, err := env.at(assigned).CreatePendingStart(env.Ctx, task, "exec-1", "cust-1", "cust-1"); err != nil {
			t.Fatalf("create %s: %v", task, err)
		}
	}
	env.Rec.Run(env.Ctx, t0.Add(12*time.Hour+time.Minute))

	eng := env.Engine
	eng.Ratings = failingRatings{}
	broken := scheduler.Reconciler{Engine: eng, Logger: obs.Discard()}
	r := broken.Run(env.Ctx, t0.Add(36*time.Hour+time.Minute))
	if r.Step(scheduler.StepNoStart).Failed != 1 || r.Step(scheduler.StepSanctions).Failed != 1 {
		t.Fatalf("expected the rating penalty to fail: %+v", r)
	}
	if st := env.status(t, "task-2"); st != domain.AssignmentRemovedAuto {
		t.Fatalf("removal must stand, got %s", st)
	}
	pending, err := env.Engine.Repo.ListUnsanctionedViolations(env.Ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one unsanctioned violation, got %d err=%v", len(pending), err)
	}

	r = env.Rec.Run(env.Ctx, t0.Add(36*time.Hour+2*time.Minute))
	if r.Step(scheduler.StepSanctions).Repaired != 1 || len(r.Failures) != 0 {
		t.Fatalf("expected the sanction retried: %+v", r)
	}
	if delta, _ := env.Engine.RatingDelta(env.Ctx, "exec-1"); delta != -5 {
		t.Fatalf("expected a single -5%% rating penalty, got %d", delta)
	}
	notes, err := env.Engine.Repo.ListNotificationsFor(env.Ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	penalties := 0
	for _, n := range notes {
		if n.Type == domain.NotifyViolationPenalty {
			penalties++
		}
	}
	if penalties != 1 {
		t.Fatalf("expected one penalty notice, got %d", penalties)
	}
	if again := env.Rec.Run(env.Ctx, t0.Add(36*time.Hour+3*time.Minute)); again.Repairs() != 0 {
		t.Fatalf("expected a no-op sweep: %+v", again)
	}
}

func TestSweepDetectsMissedForceMajeureAbuse(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 3; i++ {
		task := fmt.Sprintf("task-%d", i)
		env.assign(t, t0, task, 10)
		if _, _, err := env.Engine.StartWork(env.Ctx, task, "exec-1", "exec-1"); err != nil {
			t.Fatal(err)
		}
		if _, _, err := env.at(t0.Add(time.Duration(i)*time.Hour)).RequestPause(env.Ctx, task, "exec-1", domain.PauseReasonForceMajeure, time.Hour, "exec-1"); err != nil {
			t.Fatalf("pause %s: %v", task, err)
		}
	}
	// The process stopped after the third request committed and before its abuse check.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM violations`); err != nil {
		t.Fatal(err)
	}

	r := env.Rec.Run(env.Ctx, t0.Add(4*time.Hour))
	if r.Step(scheduler.StepSanctions).Repaired != 1 || len(r.Failures) != 0 {
		t.Fatalf("expected the abuse recorded: %+v", r)
	}
	list, err := env.at(t0.Add(4*time.Hour)).ViolationsSince(env.Ctx, "exec-1", domain.ViolationForceMajeureAbuse, t0)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one abuse violation, got %d err=%v", len(list), err)
	}
	if list[0].SanctionedAt == nil || !list[0].CreatedAt.Equal(t0.Add(3*time.Hour)) {
		t.Fatalf("unexpected violation %+v", list[0])
	}
	if again := env.Rec.Run(env.Ctx, t0.Add(5*time.Hour)); again.Step(scheduler.StepSanctions).Repaired != 0 {
		t.Fatalf("abuse must be recorded once: %+v", again)
	}
}

type brokenDisruptions struct{}

func (brokenDisruptions) ListDisruptions(context.Context) ([]domain.Disruption, error) {
	return nil, errors.New("disruption feed unavailable")
}

func TestSweepIsolatesItemFailures(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t, t0, "task-1", 10)
	env.assign(t, t0, "task-2", 10)
	if err := env.Engine.Repo.InsertContract(env.Ctx, domain.Contract{
		TaskID: "task-3", ExecutorID: "exec-1", CustomerID: "cust-1", Status: domain.ContractActive, UpdatedAt: t0,
	}); err != nil {
		t.Fatal(err)
	}
	eng := env.Engine
	eng.Disruptions = brokenDisruptions{}
	rec := scheduler.Reconciler{Engine: eng, Logger: obs.Discard()}

	r := rec.Run(env.Ctx, t0.Add(13*time.Hour))
	if got := r.Step(scheduler.StepNoStart).Failed; got < 2 {
		t.Fatalf("expected both removals to fail, got %d", got)
	}
	if len(r.Steps) != 12 {
		t.Fatalf("every step must still run, got %d", len(r.Steps))
	}
	if r.Step(scheduler.StepBackfill).Repaired != 1 {
		t.Fatalf("unrelated steps must still repair: %+v", r)
	}
}
