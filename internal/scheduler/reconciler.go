// Package scheduler runs the reconciliation sweep that drives deadline enforcement,
// timers and arbitration automation.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/events"
	"marketline/internal/obs"
	"marketline/internal/repo"
)

const (
	StepForceMajeure     = "force_majeure"
	StepBackfill         = "backfill"
	StepContractSync     = "contract_sync"
	StepSubmissionAccept = "submission_auto_accept"
	StepPauseTimers      = "pause_timers"
	StepNoStart          = "no_start"
	StepOverdue          = "overdue"
	StepAutoDispute      = "auto_dispute"
	StepAutoDecide       = "auto_decide"
	StepSettlement       = "settlement_retry"
	StepSanctions        = "sanction_retry"
	StepSLA              = "sla_signals"
)

// StepReport counts what one step looked at and changed.
type StepReport struct {
	Name     string `json:"name"`
	Checked  int    `json:"checked"`
	Repaired int    `json:"repaired"`
	Failed   int    `json:"failed"`
}

// Failure is one item that could not be reconciled. The rest of the sweep carries on.
type Failure struct {
	Step  string `json:"step"`
	Key   string `json:"key"`
	Error string `json:"error"`
}

type Report struct {
	At       time.Time    `json:"at" format:"date-time"`
	Steps    []StepReport `json:"steps"`
	Failures []Failure    `json:"failures,omitempty"`
	Duration string       `json:"duration"`
}

func (r Report) Repairs() int {
	n := 0
	for _, s := range r.Steps {
		n += s.Repaired
	}
	return n
}

func (r Report) Step(name string) StepReport {
	for _, s := range r.Steps {
		if s.Name == name {
			return s
		}
	}
	return StepReport{Name: name}
}

// Reconciler performs one idempotent sweep. Each item is re-read right before it is
// written, so the sweep is safe to run concurrently with user actions and to repeat.
type Reconciler struct {
	Engine engine.Engine
	Logger *slog.Logger
}

type sweep struct {
	ctx    context.Context
	eng    engine.Engine
	now    time.Time
	log    *slog.Logger
	report *Report
	cur    *StepReport
}

func (s *sweep) item(key string, changed bool, err error) {
	s.cur.Checked++
	switch {
	case err != nil:
		s.cur.Failed++
		s.report.Failures = append(s.report.Failures, Failure{Step: s.cur.Name, Key: key, Error: err.Error()})
		obs.SweepItems.WithLabelValues(s.cur.Name, "failed").Inc()
		s.log.ErrorContext(s.ctx, "reconcile item failed", "step", s.cur.Name, "key", key, "err", err)
	case changed:
		s.cur.Repaired++
		obs.SweepItems.WithLabelValues(s.cur.Name, "repaired").Inc()
		s.log.DebugContext(s.ctx, "reconciled", "step", s.cur.Name, "key", key)
	}
}

// fail records a step that could not even list its candidates.
func (s *sweep) fail(err error) {
	s.item("", false, err)
}

func (s *sweep) assignments(statuses ...domain.AssignmentStatus) ([]domain.Assignment, bool) {
	list, err := s.eng.ListAssignments(s.ctx, repo.AssignmentFilters{Statuses: statuses})
	if err != nil {
		s.fail(err)
		return nil, false
	}
	return list, true
}

func key(a domain.Assignment) string {
	return a.TaskID + "/" + a.ExecutorID
}

var openStatuses = []domain.AssignmentStatus{
	domain.AssignmentPendingStart, domain.AssignmentInProgress, domain.AssignmentPauseRequested,
	domain.AssignmentPaused, domain.AssignmentOverdue, domain.AssignmentSubmitted, domain.AssignmentDisputeOpened,
}

type step struct {
	name string
	run  func(s *sweep)
}

// steps run in this order; each relies on the state the previous ones converged.
var steps = []step{
	{StepForceMajeure, applyDisruptions},
	{StepBackfill, backfill},
	{StepContractSync, syncContracts},
	{StepSubmissionAccept, acceptSubmissions},
	{StepPauseTimers, pauseTimers},
	{StepNoStart, removeNoStarts},
	{StepOverdue, markOverdue},
	{StepAutoDispute, openDisputes},
	{StepAutoDecide, decideDisputes},
	{StepSettlement, retrySettlements},
	{StepSanctions, retrySanctions},
	{StepSLA, emitSLA},
}

func (r Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return obs.Component(nil, "scheduler")
}

// Run sweeps everything due at now.
func (r Reconciler) Run(ctx context.Context, now time.Time) Report {
	now = now.UTC()
	started := time.Now()
	report := Report{At: now}
	s := &sweep{ctx: ctx, eng: r.Engine.At(now), now: now, log: r.logger(), report: &report}
	for _, st := range steps {
		if ctx.Err() != nil {
			break
		}
		report.Steps = append(report.Steps, StepReport{Name: st.name})
		s.cur = &report.Steps[len(report.Steps)-1]
		st.run(s)
	}
	elapsed := time.Since(started)
	report.Duration = elapsed.String()
	obs.SweepDuration.Observe(elapsed.Seconds())
	outcome := "ok"
	if len(report.Failures) > 0 {
		outcome = "partial"
	}
	obs.SweepRuns.WithLabelValues(outcome).Inc()
	s.log.InfoContext(ctx, "reconciliation finished", "at", now, "repairs", report.Repairs(), "failures", len(report.Failures), "duration", elapsed)
	return report
}

func applyDisruptions(s *sweep) {
	windows, err := s.eng.ListDisruptions(s.ctx)
	if err != nil {
		s.fail(err)
		return
	}
	var finished []domain.Disruption
	for _, d := range windows {
		if d.Finished() {
			finished = append(finished, d)
		}
	}
	if len(finished) == 0 {
		return
	}
	list, ok := s.assignments(openStatuses...)
	if !ok {
		return
	}
	for _, d := range finished {
		for _, a := range list {
			if a.HasForceMajeureEvent(d.ID) {
				continue
			}
			shift, ok := engine.ForceMajeureShift(d, a)
			if !ok {
				continue
			}
			_, changed, err := s.eng.ApplyForceMajeureShift(s.ctx, a.TaskID, a.ExecutorID, d.ID, shift)
			s.item(key(a)+"@"+d.ID, changed, err)
		}
	}
}

func backfill(s *sweep) {
	contracts, err := s.eng.Repo.ListUnassignedContracts(s.ctx)
	if err != nil {
		s.fail(err)
		return
	}
	for _, c := range contracts {
		_, created, err := s.eng.CreatePendingStart(s.ctx, c.TaskID, c.ExecutorID, c.CustomerID, events.SystemActor)
		s.item(c.TaskID+"/"+c.ExecutorID, created, err)
	}
}

func syncContracts(s *sweep) {
	list, ok := s.assignments(openStatuses...)
	if !ok {
		return
	}
	for _, a := range list {
		_, changed, err := s.eng.SyncFromContract(s.ctx, a.TaskID, a.ExecutorID)
		s.item(key(a), changed, err)
	}
}

func acceptSubmissions(s *sweep) {
	list, ok := s.assignments(domain.AssignmentSubmitted)
	if !ok {
		return
	}
	for _, a := range list {
		_, changed, err := s.eng.AutoAcceptSubmission(s.ctx, a.TaskID, a.ExecutorID, s.now)
		s.item(key(a), changed, err)
	}
}

func pauseTimers(s *sweep) {
	list, ok := s.assignments(domain.AssignmentPauseRequested, domain.AssignmentPaused)
	if !ok {
		return
	}
	for _, a := range list {
		changed := false
		var err error
		if a.Status == domain.AssignmentPauseRequested {
			_, changed, err = s.eng.AutoAcceptPause(s.ctx, a.TaskID, a.ExecutorID, s.now)
		}
		if err == nil {
			// A pause granted late may already be over.
			var resumed bool
			_, resumed, err = s.eng.ResumeIfPauseEnded(s.ctx, a.TaskID, a.ExecutorID, s.now)
			changed = changed || resumed
		}
		s.item(key(a), changed, err)
	}
}

func removeNoStarts(s *sweep) {
	list, ok := s.assignments(domain.AssignmentPendingStart)
	if !ok {
		return
	}
	for _, a := range list {
		if s.now.Before(a.StartDeadlineAt) {
			continue
		}
		_, changed, err := s.eng.RemoveAuto(s.ctx, a.TaskID, a.ExecutorID, s.now)
		s.item(key(a), changed, err)
	}
}

func markOverdue(s *sweep) {
	list, ok := s.assignments(domain.AssignmentInProgress)
	if !ok {
		return
	}
	for _, a := range list {
		if a.ExecutionDeadlineAt == nil || s.now.Before(*a.ExecutionDeadlineAt) {
			continue
		}
		_, changed, err := s.eng.MarkOverdue(s.ctx, a.TaskID, a.ExecutorID, s.now)
		s.item(key(a), changed, err)
	}
}

func openDisputes(s *sweep) {
	list, ok := s.assignments(domain.AssignmentOverdue)
	if !ok {
		return
	}
	for _, a := range list {
		_, opened, err := s.eng.AutoOpenDispute(s.ctx, a.TaskID, a.ExecutorID, s.now)
		s.item(key(a), opened, err)
	}
}

func decideDisputes(s *sweep) {
	disputes, err := s.eng.ListDisputes(s.ctx, domain.DisputeOpen, domain.DisputeInReview, domain.DisputeDecided)
	if err != nil {
		s.fail(err)
		return
	}
	for _, d := range disputes {
		_, changed, err := s.eng.AutoDecide(s.ctx, d.ID, s.now)
		s.item(d.ID, changed, err)
	}
}

func retrySettlements(s *sweep) {
	disputes, err := s.eng.Repo.ListUnsettledDecisions(s.ctx)
	if err != nil {
		s.fail(err)
		return
	}
	for _, d := range disputes {
		settled, err := s.eng.SettleDispute(s.ctx, d)
		s.item(d.ID, err == nil && settled.SettledAt != nil, err)
	}
}

// retrySanctions re-runs force-majeure abuse detection over the trailing window and
// dispatches violations whose ladder action never ran.
func retrySanctions(s *sweep) {
	requests, err := s.eng.Repo.ListForceMajeureRequests(s.ctx, s.now.Add(-domain.ForceMajeureWindow), s.now)
	if err != nil {
		s.fail(err)
	}
	for _, a := range requests {
		detected, err := s.eng.DetectForceMajeureAbuse(s.ctx, a)
		s.item(key(a), detected, err)
	}
	pending, err := s.eng.Repo.ListUnsanctionedViolations(s.ctx)
	if err != nil {
		s.fail(err)
		return
	}
	for _, v := range pending {
		_, err := s.eng.ApplySanction(s.ctx, v)
		s.item(v.ID, err == nil, err)
	}
}

func emitSLA(s *sweep) {
	disputes, err := s.eng.ListDisputes(s.ctx, domain.DisputeOpen, domain.DisputeInReview, domain.DisputeNeedMoreInfo, domain.DisputeDecided)
	if err != nil {
		s.fail(err)
		return
	}
	for _, d := range disputes {
		_, fired, err := s.eng.EmitSLASignals(s.ctx, d, s.now)
		s.item(d.ID, fired, err)
	}
}
