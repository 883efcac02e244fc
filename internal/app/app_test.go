package app

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmeowzing/threatstack-rule-manager/internal/config"
	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

const testOrg = "5d7bb7c49f4d069836a064c2"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		State:   config.StateConfig{Dir: filepath.Join(t.TempDir(), "state"), File: ".threatstack.state.json"},
		Workers: 2,
		Remote:  config.RemoteConfig{BaseURL: "http://127.0.0.1:1", RateLimit: 300},
		Log:     config.LogConfig{Level: "info"},
	}
}

func TestOpenWiresFileLedger(t *testing.T) {
	cfg := testConfig(t)
	a, err := Open(context.Background(), cfg, Options{Logger: logrus.New(), DisableGit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, a.Engine.SetWorkspace(testOrg))
	assert.FileExists(t, filepath.Join(cfg.State.Dir, ".threatstack.state.json"))
	assert.DirExists(t, filepath.Join(cfg.State.Dir, testOrg))
	assert.Nil(t, a.Git)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	_, err = a.Engine.CreateRuleset("", rulestate.Ruleset{Name: "Base"})
	require.NoError(t, err)
	reopened, err := Open(context.Background(), cfg, Options{Logger: logrus.New(), DisableGit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	ws, err := reopened.Engine.Workspace()
	require.NoError(t, err)
	assert.Equal(t, testOrg, ws)
	orgs, err := reopened.Engine.PendingOrganizations()
	require.NoError(t, err)
	assert.Equal(t, []string{testOrg}, orgs)
}

func TestOpenInitializesGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	cfg := testConfig(t)
	a, err := Open(context.Background(), cfg, Options{Logger: logrus.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NotNil(t, a.Git)
	assert.True(t, a.Git.IsRepo(context.Background()))
	assert.FileExists(t, filepath.Join(cfg.State.Dir, ".gitignore"))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 0
	_, err := Open(context.Background(), cfg, Options{DisableGit: true})
	assert.Error(t, err)
}
