package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/pipeline"
)

func init() {
	color.NoColor = true
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "taskscheduler dev")
	assert.Contains(t, out, "Git Commit: unknown")
}

func TestRunAndHistory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf(`
scheduler:
  resource_monitoring: false
  nonzero_exit_policy: failed
persistence:
  path: %s
log:
  level: error
`, filepath.Join(dir, "state.json")))

	okPipeline := writeFile(t, dir, "ok.yaml", `
name: ok
steps:
  hello:
    command: echo hello
  world:
    command: echo world
    dependencies: [hello]
`)
	failingPipeline := writeFile(t, dir, "failing.yaml", `
name: failing
steps:
  broken:
    command: exit 2
    shell: true
  after:
    command: echo unreachable
    dependencies: [broken]
`)

	t.Run("Run succeeds", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "run", okPipeline)
		require.NoError(t, err)
		assert.Contains(t, out, "STEP")
		assert.Contains(t, out, "hello")
		assert.Contains(t, out, "Pipeline ok succeeded")
	})

	t.Run("Run reports failure", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "run", failingPipeline)
		require.Error(t, err)
		assert.Contains(t, out, "skipped")
		assert.Contains(t, out, "exit status 2")
		assert.Contains(t, out, "Pipeline failing failed")
	})

	t.Run("Run as JSON", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "--json", "run", "--mode", "parallel", okPipeline)
		require.NoError(t, err)

		var report pipeline.Report
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.True(t, report.Success)
		assert.Equal(t, []string{"hello", "world"}, report.Order)
	})

	t.Run("Invalid mode", func(t *testing.T) {
		_, err := execute(t, "--config", cfgPath, "run", "--mode", "eventual", okPipeline)
		assert.Error(t, err)
	})

	t.Run("History", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "history", "--limit", "0")
		require.NoError(t, err)
		assert.Contains(t, out, "FINISHED")
		assert.Equal(t, 1, strings.Count(out, "broken"))
		assert.Equal(t, 2, strings.Count(out, "hello"))
	})

	t.Run("History as JSON filtered", func(t *testing.T) {
		out, err := execute(t, "--config", cfgPath, "--json", "history", "--task", "hello")
		require.NoError(t, err)

		var results []model.TaskResult
		require.NoError(t, json.Unmarshal([]byte(out), &results))
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Equal(t, "hello", r.TaskName)
			assert.Equal(t, model.TaskStatusCompleted, r.Status)
		}
	})
}

func TestFilterHistory(t *testing.T) {
	results := []model.TaskResult{
		{TaskName: "a", Attempt: 1},
		{TaskName: "b", Attempt: 1},
		{TaskName: "a", Attempt: 2},
		{TaskName: "a", Attempt: 3},
	}

	assert.Len(t, filterHistory(results, "", 0), 4)
	assert.Equal(t, []model.TaskResult{{TaskName: "a", Attempt: 3}}, filterHistory(results, "a", 1))
	assert.Equal(t, []model.TaskResult{{TaskName: "a", Attempt: 3}}, filterHistory(results, "", 1))
	assert.Len(t, filterHistory(results, "a", 0), 3)
	assert.Empty(t, filterHistory(results, "c", 5))
}

func TestPrintReport(t *testing.T) {
	report := &pipeline.Report{
		Pipeline: "etl",
		Order:    []string{"extract", "load"},
		Results: map[string]*model.TaskResult{
			"extract": {
				TaskName:     "extract",
				Status:       model.TaskStatusFailed,
				Attempt:      2,
				Duration:     1234 * time.Millisecond,
				ExitCode:     model.IntPtr(1),
				ErrorMessage: strings.Repeat("x", 100),
			},
		},
		Duration: 2 * time.Second,
	}

	var out bytes.Buffer
	printReport(&out, report)

	lines := strings.Split(out.String(), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.True(t, strings.HasPrefix(lines[0], "STEP"))
	assert.Contains(t, lines[2], "failed")
	assert.Contains(t, lines[2], "1.234s")
	assert.Contains(t, lines[2], strings.Repeat("x", 57)+"...")
	assert.Contains(t, lines[3], "skipped")
	assert.Contains(t, out.String(), "Pipeline etl failed in 2s")
}
