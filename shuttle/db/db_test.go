package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Make(filepath.Join(t.TempDir(), "shuttle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestCreateAndGetFlow(t *testing.T) {
	d := testDB(t)

	flow, err := d.CreateFlow(context.Background(), "ci")
	require.NoError(t, err)
	assert.NotEmpty(t, flow.ID)

	got, err := d.GetFlowByName(context.Background(), "ci")
	require.NoError(t, err)
	assert.Equal(t, flow.ID, got.ID)
	assert.Empty(t, got.Cron)
	assert.Empty(t, got.Variables)

	_, err = d.GetFlowByName(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrFlowNotFound)

	_, err = d.CreateFlow(context.Background(), "ci")
	assert.Error(t, err, "flow names are unique")
}

func TestSaveDefinition_SyncsVariables(t *testing.T) {
	d := testDB(t)
	flow, err := d.CreateFlow(context.Background(), "ci")
	require.NoError(t, err)

	raw := "envs:\n  FOO: bar\nsteps:\n  - bash: make"
	require.NoError(t, d.SaveDefinition(context.Background(), flow.ID, raw, map[string]string{"FOO": "bar"}))

	got, err := d.GetDefinition(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	stored, err := d.GetFlow(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"FOO": "bar"}, stored.Variables)

	// a new save replaces both together
	require.NoError(t, d.SaveDefinition(context.Background(), flow.ID, "steps: []", nil))
	stored, err = d.GetFlow(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Variables)
}

func TestGetDefinition_Missing(t *testing.T) {
	d := testDB(t)
	flow, err := d.CreateFlow(context.Background(), "ci")
	require.NoError(t, err)

	_, err = d.GetDefinition(context.Background(), flow.ID)
	assert.ErrorIs(t, err, ErrNoDefinition)
}

func TestDeleteDefinition_Idempotent(t *testing.T) {
	d := testDB(t)
	flow, err := d.CreateFlow(context.Background(), "ci")
	require.NoError(t, err)

	require.NoError(t, d.SaveDefinition(context.Background(), flow.ID, "steps: []", nil))
	require.NoError(t, d.DeleteDefinition(context.Background(), flow.ID))
	require.NoError(t, d.DeleteDefinition(context.Background(), flow.ID), "deleting an absent definition is not an error")

	_, err = d.GetDefinition(context.Background(), flow.ID)
	assert.ErrorIs(t, err, ErrNoDefinition)
}

func TestSetCronAndListFlows(t *testing.T) {
	d := testDB(t)

	a, err := d.CreateFlow(context.Background(), "a")
	require.NoError(t, err)
	_, err = d.CreateFlow(context.Background(), "b")
	require.NoError(t, err)

	require.NoError(t, d.SetCron(context.Background(), a.ID, "*/5 * * * *"))

	flows, err := d.ListFlows(context.Background())
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "a", flows[0].Name)
	assert.Equal(t, "*/5 * * * *", flows[0].Cron)
	assert.Empty(t, flows[1].Cron)
}

func TestSetWebhookAdded(t *testing.T) {
	d := testDB(t)
	flow, err := d.CreateFlow(context.Background(), "ci")
	require.NoError(t, err)

	require.NoError(t, d.SetWebhookAdded(context.Background(), flow.ID, "push,tag"))

	got, err := d.GetFlow(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.True(t, got.WebhookAdded)
	assert.Equal(t, "push,tag", got.WebhookEvents)
}
