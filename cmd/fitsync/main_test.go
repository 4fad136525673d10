package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command against the config file at path.
func runCLI(t *testing.T, path string, args ...string) (string, error) {
	t.Helper()
	configShowEffective = false
	queueEndpoint = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", path}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCLI(t, path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "No configuration file found")

	out, err = runCLI(t, path, "init", "https://app.fitquest.example")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	out, err = runCLI(t, path, "config", "set", "cache.version", "v4")
	require.NoError(t, err)
	assert.Equal(t, "Set cache.version = v4\n", out)

	_, err = runCLI(t, path, "config", "set", "cache.colour", "blue")
	assert.Error(t, err)

	cfg, err := fitsync.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://app.fitquest.example", cfg.Server.Origin)
	assert.Equal(t, "v4", cfg.Cache.Version)
	token := cfg.Server.AdminToken
	assert.NotEmpty(t, token, "init generates an admin token")

	_, err = runCLI(t, path, "init", "https://app2.fitquest.example")
	require.NoError(t, err)
	cfg, err = fitsync.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, token, cfg.Server.AdminToken, "init keeps an existing token")

	out, err = runCLI(t, path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `version = 'v4'`)

	t.Setenv("FITSYNC_VERSION", "v5")
	out, err = runCLI(t, path, "config", "show", "--effective")
	require.NoError(t, err)
	assert.Contains(t, out, `version = 'v5'`)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "v5", "environment overrides are not saved")
}

func TestInitRejectsRelativeOrigin(t *testing.T) {
	_, err := runCLI(t, filepath.Join(t.TempDir(), "config.toml"), "init", "fitquest")
	assert.Error(t, err)
}

func TestQueueCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCLI(t, path, "queue", "ls", "workouts")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue workouts is empty.")

	out, err = runCLI(t, path, "queue", "add", "workouts", `{"name":"Leg day"}`)
	require.NoError(t, err)
	id := regexp.MustCompile(`Queued (\S+)`).FindStringSubmatch(out)
	require.Len(t, id, 2)

	out, err = runCLI(t, path, "queue", "ls", "workouts")
	require.NoError(t, err)
	assert.Contains(t, out, id[1])
	assert.Contains(t, out, "Leg day")

	_, err = runCLI(t, path, "queue", "add", "workouts", `{broken`)
	assert.Error(t, err)
	_, err = runCLI(t, path, "queue", "ls", "photos")
	assert.Error(t, err)

	out, err = runCLI(t, path, "queue", "rm", "workouts", id[1])
	require.NoError(t, err)
	assert.Contains(t, out, "Removed "+id[1])

	out, err = runCLI(t, path, "queue", "ls", "workouts")
	require.NoError(t, err)
	assert.Contains(t, out, "empty")
	assert.FileExists(t, filepath.Join(filepath.Dir(path), "queue.db"))
}

func TestResumePendingSync(t *testing.T) {
	ctx := context.Background()
	client, err := fitsync.NewClient("http://127.0.0.1:1")
	require.NoError(t, err)
	workouts := fitsync.NewMemoryQueue()
	worker, err := fitsync.NewWorker(client, fitsync.NewMemoryStore(), workouts, fitsync.NewMemoryQueue(), fitsync.WorkerConfig{Version: "v1"})
	require.NoError(t, err)
	t.Cleanup(worker.Close)

	m, err := fitsync.NewMutation("", []byte(`{"name":"Leg day"}`))
	require.NoError(t, err)
	require.NoError(t, workouts.Append(ctx, m))

	t.Run("registers queues with pending items", func(t *testing.T) {
		sched := fitsync.NewScheduler(worker, fitsync.SchedulerConfig{}, nil)
		t.Cleanup(sched.Close)
		sched.SetOnline(func() bool { return false })

		var logs bytes.Buffer
		resumePendingSync(ctx, worker, sched, slog.New(slog.NewTextHandler(&logs, nil)))
		jobs := sched.Jobs()
		require.Len(t, jobs, 1)
		assert.Equal(t, fitsync.TagWorkoutSync, jobs[0].Tag)
		assert.Empty(t, logs.String())
	})

	t.Run("logs registration failures", func(t *testing.T) {
		sched := fitsync.NewScheduler(worker, fitsync.SchedulerConfig{}, nil)
		sched.Close()

		var logs bytes.Buffer
		resumePendingSync(ctx, worker, sched, slog.New(slog.NewTextHandler(&logs, nil)))
		assert.Contains(t, logs.String(), "resume pending sync failed")
		assert.Contains(t, logs.String(), fitsync.TagWorkoutSync)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
