package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/funnel/internal/catalog"
	"github.com/vladislavdragonenkov/funnel/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/funnel/internal/storage/postgres"
)

type fakeMigrator struct {
	upSteps   []int
	downSteps []int
	state     postgres.MigrationState
	err       error
	closed    bool
}

func (f *fakeMigrator) MigrateUp(_ context.Context, steps int) error {
	f.upSteps = append(f.upSteps, steps)
	return f.err
}

func (f *fakeMigrator) MigrateDown(_ context.Context, steps int) error {
	f.downSteps = append(f.downSteps, steps)
	return f.err
}

func (f *fakeMigrator) MigrationStatus(context.Context) (postgres.MigrationState, error) {
	return f.state, nil
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

type fakeReplayer struct {
	opts   kafka.ReplayOptions
	report kafka.ReplayReport
}

func (f *fakeReplayer) Run(_ context.Context, opts kafka.ReplayOptions) (kafka.ReplayReport, error) {
	f.opts = opts
	return f.report, nil
}

type fakeAdmin struct {
	calls []string
	err   error
}

func (f *fakeAdmin) reply(call, id string) (*structpb.Struct, error) {
	f.calls = append(f.calls, call+":"+id)
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(map[string]any{"session_id": id, "step": "success"})
}

func (f *fakeAdmin) GetSession(_ context.Context, id string, _ ...grpc.CallOption) (*structpb.Struct, error) {
	return f.reply("get", id)
}

func (f *fakeAdmin) ReconcileSession(_ context.Context, id string, _ ...grpc.CallOption) (*structpb.Struct, error) {
	return f.reply("reconcile", id)
}

func (f *fakeAdmin) ExpireSession(_ context.Context, id string, _ ...grpc.CallOption) (*structpb.Struct, error) {
	return f.reply("expire", id)
}

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func execute(t *testing.T, deps dependencies, args ...string) (string, error) {
	t.Helper()

	if deps.lookupEnv == nil {
		deps.lookupEnv = envMap(nil)
	}
	cmd := newRootCommand(deps)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand(dependencies{})
	for _, path := range [][]string{
		{"migrate", "up"}, {"migrate", "down"}, {"migrate", "status"},
		{"dlq", "replay"},
		{"session", "get"}, {"session", "reconcile"}, {"session", "expire"},
		{"catalog"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestMigrate_RequiresDSN(t *testing.T) {
	_, err := execute(t, dependencies{}, "migrate", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), envPostgresDSN)
}

func TestMigrate_UpUsesEnvDSNAndPrintsState(t *testing.T) {
	m := &fakeMigrator{state: postgres.MigrationState{Version: 2, Applied: 2}}
	var gotDSN string
	deps := dependencies{
		lookupEnv: envMap(map[string]string{envPostgresDSN: "postgres://env"}),
		openMigrator: func(_ context.Context, dsn string) (migrator, error) {
			gotDSN = dsn
			return m, nil
		},
	}

	out, err := execute(t, deps, "migrate", "up")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", gotDSN)
	assert.Equal(t, []int{0}, m.upSteps)
	assert.Equal(t, "migrate up ok: version=2 applied=2 pending=0\n", out)
	assert.True(t, m.closed)
}

func TestMigrate_DownDefaultsToOneStepAndFlagWins(t *testing.T) {
	m := &fakeMigrator{}
	var gotDSN string
	deps := dependencies{
		lookupEnv: envMap(map[string]string{envPostgresDSN: "postgres://env"}),
		openMigrator: func(_ context.Context, dsn string) (migrator, error) {
			gotDSN = dsn
			return m, nil
		},
	}

	_, err := execute(t, deps, "migrate", "down", "--dsn", "postgres://flag")
	require.NoError(t, err)
	assert.Equal(t, "postgres://flag", gotDSN)
	assert.Equal(t, []int{1}, m.downSteps)
}

func TestMigrate_Failure(t *testing.T) {
	m := &fakeMigrator{err: errors.New("lock timeout")}
	deps := dependencies{openMigrator: func(context.Context, string) (migrator, error) { return m, nil }}

	_, err := execute(t, deps, "migrate", "up", "--dsn", "postgres://x", "--steps", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock timeout")
	assert.Equal(t, []int{2}, m.upSteps)
}

func TestDLQReplay_DryRunByDefault(t *testing.T) {
	runner := &fakeReplayer{report: kafka.ReplayReport{Processed: 3, Replayed: 2, Skipped: 1}}
	var gotBrokers []string
	var gotExecute bool
	deps := dependencies{
		lookupEnv: envMap(map[string]string{envKafkaBrokers: "k1:9092, k2:9092"}),
		newReplayer: func(brokers []string, execute bool) (replayRunner, func() error, error) {
			gotBrokers, gotExecute = brokers, execute
			return runner, func() error { return nil }, nil
		},
	}

	out, err := execute(t, deps, "dlq", "replay", "--limit", "10")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, gotBrokers)
	assert.False(t, gotExecute)
	assert.Equal(t, kafka.TopicDeadLetterQueue, runner.opts.SourceTopic)
	assert.Equal(t, kafka.TopicWorkflowEvents, runner.opts.DefaultTopic)
	assert.Equal(t, 10, runner.opts.Limit)
	assert.False(t, runner.opts.Execute)
	assert.Equal(t, "dlq replay dry-run: processed=3 replayed=2 skipped=1\n", out)
}

func TestDLQReplay_Execute(t *testing.T) {
	runner := &fakeReplayer{}
	deps := dependencies{
		newReplayer: func(_ []string, execute bool) (replayRunner, func() error, error) {
			require.True(t, execute)
			return runner, func() error { return nil }, nil
		},
	}

	out, err := execute(t, deps, "dlq", "replay", "--brokers", "k1:9092", "--execute")
	require.NoError(t, err)
	assert.True(t, runner.opts.Execute)
	assert.Contains(t, out, "executed")
}

func TestDLQReplay_RequiresBrokers(t *testing.T) {
	_, err := execute(t, dependencies{}, "dlq", "replay")
	require.Error(t, err)
	assert.Contains(t, err.Error(), envKafkaBrokers)
}

func TestSession_Commands(t *testing.T) {
	admin := &fakeAdmin{}
	var gotAddr string
	deps := dependencies{
		dialAdmin: func(addr string) (sessionAdmin, func() error, error) {
			gotAddr = addr
			return admin, func() error { return nil }, nil
		},
	}

	out, err := execute(t, deps, "session", "get", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, defaultAdminAddr, gotAddr)
	assert.Contains(t, out, `"session_id": "sess-1"`)

	_, err = execute(t, deps, "session", "reconcile", "sess-1", "--addr", "admin:6000")
	require.NoError(t, err)
	assert.Equal(t, "admin:6000", gotAddr)

	_, err = execute(t, deps, "session", "expire", "sess-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"get:sess-1", "reconcile:sess-1", "expire:sess-1"}, admin.calls)
}

func TestSession_ErrorIsReported(t *testing.T) {
	admin := &fakeAdmin{err: status.Error(codes.NotFound, "session not found")}
	deps := dependencies{
		dialAdmin: func(string) (sessionAdmin, func() error, error) {
			return admin, func() error { return nil }, nil
		},
	}

	_, err := execute(t, deps, "session", "get", "missing")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(errors.Unwrap(err)))
}

func TestCatalog_PrintsDefault(t *testing.T) {
	t.Setenv("FUNNEL_CATALOG_PATH", "")
	t.Setenv("FUNNEL_CATALOG_CURRENCY", "")

	out, err := execute(t, dependencies{}, "catalog")
	require.NoError(t, err)

	var file catalog.File
	require.NoError(t, yaml.Unmarshal([]byte(out), &file))
	assert.Equal(t, catalog.Default().Describe(), file)
}

func TestCatalog_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("currency: usd\noffers: []\n"), 0o600))

	_, err := execute(t, dependencies{}, "catalog", "--file", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main offer")
}
