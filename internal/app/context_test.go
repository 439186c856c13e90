package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketline/internal/engine"
	"marketline/internal/scheduler"
)

func TestResolveConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := ResolveConfig(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "marketline", cfg.Service.ID)
	assert.Equal(t, 48*time.Hour, cfg.Disputes.SLA.Duration)
}

func TestResolveConfigReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte("service:\n  id: market-eu\ndisputes:\n  sla: 36h\n  system_arbiter_id: bot\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marketline.yml"), data, 0o644))

	cfg, err := ResolveConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "market-eu", cfg.Service.ID)
	assert.Equal(t, 36*time.Hour, cfg.Disputes.SLA.Duration)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval.Duration)
}

func TestResolveConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: mysql\n"), 0o644))
	_, err := ResolveConfig(t.TempDir(), path)
	require.Error(t, err)
}

func TestOpenPinsClockAndSweeps(t *testing.T) {
	at := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	rt, err := Open(context.Background(), t.TempDir(), "", at)
	require.NoError(t, err)
	defer rt.Close()

	_, created, err := rt.Engine.AssignExecutor(context.Background(), engine.AssignOptions{
		TaskID: "task-1", CustomerID: "cust-1", ExecutorID: "exec-1", Amount: 100, ActorID: "cust-1",
	})
	require.NoError(t, err)
	assert.True(t, created)

	report, _ := rt.Loop().RunOnce(context.Background())
	assert.True(t, report.At.Equal(at))
	assert.Equal(t, 0, report.Step(scheduler.StepNoStart).Repaired)
	assert.Empty(t, report.Failures)
}
