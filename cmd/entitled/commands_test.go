package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/auth"
)

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

func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv("ENTITLE_STORE_DRIVER", "sqlite")
	t.Setenv("ENTITLE_SQLITE_PATH", filepath.Join(t.TempDir(), "entitle.db"))
	t.Setenv("ENTITLE_LOG_LEVEL", "error")
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuild, oldCommit := Version, BuildTime, GitCommit
	defer func() { Version, BuildTime, GitCommit = oldVersion, oldBuild, oldCommit }()

	Version, BuildTime, GitCommit = "1.2.3", "2024-01-01", "abcdef"
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "entitled 1.2.3")
	assert.Contains(t, out, "Built: 2024-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime, GitCommit = "unknown", "unknown"
	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
}

func TestOperatorWorkflow(t *testing.T) {
	useSQLite(t)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite store migrated")

	out, err = execute(t, "backfill-users", "--uids", "a,b,a")
	require.NoError(t, err)
	var run struct {
		ProcessedCount int `json:"processedCount"`
		UpdatedCount   int `json:"updatedCount"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, 2, run.UpdatedCount)

	out, err = execute(t, "status", "a")
	require.NoError(t, err)
	var st struct {
		Active    bool `json:"active"`
		BookLimit int  `json:"bookLimit"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Active)
	assert.Equal(t, 10, st.BookLimit)

	out, err = execute(t, "correct-usage", "--user", "a", "--books-read", "12")
	require.NoError(t, err)
	assert.Contains(t, out, `"booksRead": 12`)

	out, err = execute(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, `"kind": "reconcile"`)

	out, err = execute(t, "report")
	require.NoError(t, err)
	var lines []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &lines))
	assert.Len(t, lines, 2)

	_, err = execute(t, "dedup")
	require.NoError(t, err)

	_, err = execute(t, "correct-usage", "--user", "ghost", "--books-read", "1")
	assert.Error(t, err)
}

func TestRequiredFlags(t *testing.T) {
	_, err := execute(t, "set-tier", "--id", "x")
	assert.Error(t, err)

	_, err = execute(t, "status")
	assert.Error(t, err)
}

func TestAdminTokenCmd(t *testing.T) {
	t.Setenv("ENTITLE_JWT_SECRET", "cli-secret")
	t.Setenv("ENTITLE_JWT_ISSUER", "entitle-ops")
	t.Setenv("ENTITLE_JWT_AUDIENCE", "entitle-api")

	out, err := execute(t, "admin-token", "--uid", "ops-1")
	require.NoError(t, err)

	authn := auth.NewHMAC([]byte("cli-secret"), auth.WithIssuer("entitle-ops"), auth.WithAudience("entitle-api"))
	caller, err := authn.Authenticate(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, entitle.Caller{UID: "ops-1", IsAdmin: true}, caller)

	_, err = execute(t, "admin-token")
	assert.Error(t, err)

	_, err = execute(t, "admin-token", "--uid", "ops-1", "--ttl", "0s")
	assert.Error(t, err)

	t.Setenv("ENTITLE_JWT_SECRET", "")
	_, err = execute(t, "admin-token", "--uid", "ops-1")
	assert.Error(t, err)
}
