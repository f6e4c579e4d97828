package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eGGnogSC/invoicesync/internal/config"
	"github.com/eGGnogSC/invoicesync/internal/invoicesync"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Setenv(config.EnvPrefix+"_MICROSOFT_CLIENT_ID", "client-id")
	t.Setenv(config.EnvPrefix+"_STORE_DSN", ":memory:")
	t.Setenv(config.EnvPrefix+"_LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusWithoutCredentials(t *testing.T) {
	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Not connected")

	out, err = execute(t, "status", "--json")
	require.NoError(t, err)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, false, status["connected"])
}

func TestLogoutWithoutCredentials(t *testing.T) {
	out, err := execute(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")
}

func TestSyncEmptyMonth(t *testing.T) {
	out, err := execute(t, "sync", "--month", "2024-03", "--json")
	require.NoError(t, err)
	var report invoicesync.BatchReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, invoicesync.BatchCompleted, report.State)
	assert.Zero(t, report.Total)

	_, err = execute(t, "sync", "--month", "March")
	assert.ErrorIs(t, err, invoicesync.ErrInvalidMonth)
}

func TestInvoiceCommandsReportFailure(t *testing.T) {
	out, err := execute(t, "upload", "missing")
	assert.Error(t, err)
	assert.Contains(t, out, "Failed")

	_, err = execute(t, "resync")
	assert.Error(t, err)
}

func TestFoldersNeedsLogin(t *testing.T) {
	_, err := execute(t, "folders")
	assert.Error(t, err)
}
