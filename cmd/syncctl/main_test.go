package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/database"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"
	"github.com/santedb/santedb-dc-core-sub006/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const patientID = "3f2504e0-4f89-11d3-9a0c-0305e82c3301"

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "sync.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "database:\n  path: " + dbPath + "\nexports:\n  path: " + filepath.Join(dir, "exports") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, dbPath
}

// seed opens the database outside the CLI and dead-letters one outbound entry.
func seed(t *testing.T, dbPath string) int64 {
	t.Helper()
	db, err := database.NewDB(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	m := queue.NewManager(db, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, m.OpenDefaults(ctx))
	q, err := m.Queue(models.QueueOutbound)
	require.NoError(t, err)

	entry := &models.QueueEntry{ResourceType: "Patient", ResourceKey: patientID, DataFileKey: "blob-1", Operation: models.OperationInsert}
	require.NoError(t, q.Enqueue(ctx, entry))
	require.NoError(t, q.Enqueue(ctx, &models.QueueEntry{ResourceType: "Patient", DataFileKey: "blob-2", Operation: models.OperationUpdate}))

	dead, err := m.DeadLetter(ctx, models.QueueOutbound, entry.ID, "validation failed")
	require.NoError(t, err)
	return dead.ID
}

func execute(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestQueuesCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seed(t, dbPath)

	out, err := execute(t, cfgPath, "queues")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Regexp(t, `outbound +\S+ +1`, out)
	assert.Regexp(t, `deadletter +\S+ +1 +dead-letter`, out)
	assert.NotRegexp(t, `outbound +\S+ +1 +dead-letter`, out)
	assert.Contains(t, out, "stored payloads: 0")
}

func TestEntriesCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seed(t, dbPath)

	out, err := execute(t, cfgPath, "entries", models.QueueOutbound)
	require.NoError(t, err)
	assert.Contains(t, out, "Patient")
	assert.Contains(t, out, string(models.OperationUpdate))

	_, err = execute(t, cfgPath, "entries", "nope")
	require.Error(t, err)
}

func TestDeadLetterCommands(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seed(t, dbPath)

	out, err := execute(t, cfgPath, "deadletter", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "validation failed")

	out, err = execute(t, cfgPath, "deadletter", "export")
	require.NoError(t, err)
	assert.Contains(t, out, "exported 1 entries")

	out, err = execute(t, cfgPath, "dl", "requeue", "1x")
	require.Error(t, err)
	assert.Empty(t, out)

	_, err = execute(t, cfgPath, "deadletter", "requeue")
	require.Error(t, err)

	out, err = execute(t, cfgPath, "deadletter", "requeue", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued 1 entries")

	out, err = execute(t, cfgPath, "queues")
	require.NoError(t, err)
	assert.Regexp(t, `outbound +\S+ +2`, out)

	_, err = execute(t, cfgPath, "deadletter", "purge", "999")
	require.Error(t, err)
}

func TestDeadLetterPurgeCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	id := seed(t, dbPath)

	out, err := execute(t, cfgPath, "deadletter", "purge", strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "purged")

	out, err = execute(t, cfgPath, "queues")
	require.NoError(t, err)
	assert.Regexp(t, `deadletter +\S+ +0`, out)
}

func TestSubscribeCommands(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, cfgPath, "subscribe", "Patient", patientID)
	require.NoError(t, err)
	assert.Contains(t, out, "subscribed Patient")

	out, err = execute(t, cfgPath, "subscribe", "Patient", patientID)
	require.NoError(t, err)
	assert.Contains(t, out, "already subscribed")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.Synchronization.SubscribedObjects, 1)
	assert.Equal(t, []string{patientID}, cfg.Synchronization.SubscribedObjects[0].Subscribed)

	_, err = execute(t, cfgPath, "subscribe", "Patient", "not-a-guid")
	require.Error(t, err)

	out, err = execute(t, cfgPath, "unsubscribe", "Patient", patientID)
	require.NoError(t, err)
	assert.Contains(t, out, "unsubscribed")

	out, err = execute(t, cfgPath, "unsubscribe", "Patient", patientID)
	require.NoError(t, err)
	assert.Contains(t, out, "was not subscribed")
}
