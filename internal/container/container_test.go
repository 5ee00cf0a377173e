package container

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts canned stdout per invoked verb, so tests don't need a
// real compose binary.
type fakeRunner struct {
	psOutput func(callIndex int) string
	calls    []string
	psCalls  int
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, strings.Join(args, " "))
	if len(args) >= 4 && args[3] == "ps" {
		out := f.psOutput(f.psCalls)
		f.psCalls++
		return out, nil
	}
	return "", nil
}

func runningEntry(service string) string {
	return `{"Service":"` + service + `","State":"running","Image":"app:latest","Publishers":[{"PublishedPort":8080,"TargetPort":80}]}`
}

func stoppedEntry(service string) string {
	return `{"Service":"` + service + `","State":"exited","Image":"app:latest"}`
}

func TestListServicesStatusParsesNDJSON(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{psOutput: func(int) string {
		return runningEntry("web") + "\n" + stoppedEntry("worker")
	}}
	a := New("docker-compose.yml", "docker", nil, nil).WithRunner(runner)

	services, err := a.ListServicesStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "web", services[0].Name)
	assert.Equal(t, StatusRunning, services[0].Status)
	assert.Equal(t, []string{"8080:80"}, services[0].Ports)
	assert.Equal(t, StatusCompleted, services[1].Status)
}

func TestHealthCheckAllRunning(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{psOutput: func(int) string {
		return runningEntry("web") + "\n" + runningEntry("worker")
	}}
	a := New("docker-compose.yml", "docker", nil, nil).WithRunner(runner)

	report, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAllRunning, report.Overall)
}

func TestHealthCheckOneshotCompletedCountsHealthy(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{psOutput: func(int) string {
		return runningEntry("web") + "\n" + stoppedEntry("migrator")
	}}
	a := New("docker-compose.yml", "docker", []string{"migrator"}, nil).WithRunner(runner)

	report, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAllRunning, report.Overall)
}

func TestHealthCheckPartiallyRunning(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{psOutput: func(int) string {
		return runningEntry("web") + "\n" + stoppedEntry("worker")
	}}
	a := New("docker-compose.yml", "docker", nil, nil).WithRunner(runner)

	report, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePartialRunning, report.Overall)
}

func TestWaitUntilSettledReturnsOnceAllRunning(t *testing.T) {
	t.Parallel()
	calls := 0
	runner := &fakeRunner{psOutput: func(int) string {
		calls++
		if calls < 2 {
			return stoppedEntry("web")
		}
		return runningEntry("web")
	}}
	a := New("docker-compose.yml", "docker", nil, nil).WithRunner(runner).WithPollInterval(10 * time.Millisecond)

	report, err := a.WaitUntilSettled(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateAllRunning, report.Overall)
}

func TestEnsureHostVolumesCreatesDeclaredDirs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	composePath := filepath.Join(dir, "docker-compose.yml")
	dataDir := filepath.Join(dir, "data")
	configFile := filepath.Join(dir, "config", "database.yml")

	content := "services:\n" +
		"  db:\n" +
		"    volumes:\n" +
		"      - " + dataDir + ":/var/lib/data\n" +
		"      - " + configFile + ":/etc/app/database.yml\n" +
		"      - named-volume:/var/cache\n"
	require.NoError(t, os.WriteFile(composePath, []byte(content), 0o644))

	a := New(composePath, "docker", nil, nil)
	var mu sync.Mutex
	var created []string
	err := a.EnsureHostVolumes(func(path string, perm uint32) error {
		mu.Lock()
		created = append(created, path)
		mu.Unlock()
		return os.MkdirAll(path, os.FileMode(perm))
	})
	require.NoError(t, err)
	assert.Contains(t, created, dataDir)
	assert.DirExists(t, dataDir)
}
