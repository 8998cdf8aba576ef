package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/spendlens/spendlens/jobs"
)

const reconciledStatement = `Баланс на 01.01.24 1 000.00 i
01.01.24 02.01.24 -200.00 i Кафе
03.01.24 03.01.24 + 50.00 i Перевод
Баланс на 31.01.24 850.00 i
`

func writeStatement(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "statement.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseCommandJSON(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := ParseCommand(ParseOptions{
		Path:       writeStatement(t, reconciledStatement),
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Zero(t, exitCode)
	require.Empty(t, stderr.String())

	var summary ParseSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.Reconciled)
	require.Len(t, summary.Transactions, 2)
	require.True(t, summary.Final.Equal(decimal.NewFromInt(850)))
}

func TestParseCommandUnreconciled(t *testing.T) {
	body := strings.Replace(reconciledStatement, "850.00", "900.00", 1)
	stdout := new(bytes.Buffer)
	exitCode := ParseCommand(ParseOptions{
		Path:   writeStatement(t, body),
		Stdout: stdout,
		Stderr: new(bytes.Buffer),
	})
	require.Equal(t, ExitUnreconciled, exitCode)
	require.Contains(t, stdout.String(), "NOT reconciled")
	require.Contains(t, stdout.String(), "discrepancy 50.00")
}

func TestParseCommandErrors(t *testing.T) {
	cases := []struct {
		name string
		opts ParseOptions
		want string
	}{
		{name: "missing path", opts: ParseOptions{}, want: "statement file is required"},
		{name: "bad owner", opts: ParseOptions{Path: "x", Owner: "nope"}, want: "invalid --user"},
		{name: "unknown bank", opts: ParseOptions{Path: writeStatement(t, reconciledStatement), Bank: "sber"}, want: "unsupported bank"},
		{name: "too large", opts: ParseOptions{Path: writeStatement(t, reconciledStatement), MaxBytes: 16}, want: "too large"},
		{name: "garbage", opts: ParseOptions{Path: writeStatement(t, "nothing to see")}, want: "parse failure"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stderr := new(bytes.Buffer)
			tc.opts.Stdout = new(bytes.Buffer)
			tc.opts.Stderr = stderr
			require.Equal(t, 1, ParseCommand(tc.opts))
			require.Contains(t, stderr.String(), tc.want)
		})
	}
}

func TestTriggerCommandEnqueues(t *testing.T) {
	queue := jobs.NewMemoryQueue()
	cli := NewJobsCLIWithQueue(queue)

	stdout := new(bytes.Buffer)
	require.Zero(t, cli.TriggerCommand(context.Background(), TriggerOptions{Job: "retrain", Stdout: stdout}))
	require.Zero(t, cli.TriggerCommand(context.Background(), TriggerOptions{Job: "sweep", Limit: 50, Stdout: stdout}))

	require.Len(t, queue.Jobs(jobs.TaskRetrainCheck), 1)
	sweeps := queue.Jobs(jobs.TaskSweepStale)
	require.Len(t, sweeps, 1)
	require.Equal(t, jobs.QueueDefault, sweeps[0].Queue)
}

func TestTriggerCommandRejectsUnknownJob(t *testing.T) {
	cli := NewJobsCLIWithQueue(jobs.NewMemoryQueue())
	stderr := new(bytes.Buffer)
	require.Equal(t, 1, cli.TriggerCommand(context.Background(), TriggerOptions{Job: "reindex", Stdout: new(bytes.Buffer), Stderr: stderr}))
	require.Contains(t, stderr.String(), "unsupported job")
}

func TestQueueCommandWithoutInspector(t *testing.T) {
	cli := NewJobsCLIWithQueue(jobs.NewMemoryQueue())
	stderr := new(bytes.Buffer)
	require.Equal(t, 1, cli.QueueCommand(context.Background(), false, new(bytes.Buffer), stderr))
	require.Contains(t, stderr.String(), "inspector not configured")
}
