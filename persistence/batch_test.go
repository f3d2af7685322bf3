package persistence

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/outcome"
)

func insertUsers(t *testing.T, h *harness, n int) []*user {
	t.Helper()
	users := make([]*user, n)
	for i := range users {
		users[i] = &user{Base: entity.Base{UID: fmt.Sprintf("u%d", i+1)}, Acc: "before", GuildID: 1}
	}
	batch, err := h.repo.InsertBatch(context.Background(), users)
	require.NoError(t, err)
	require.True(t, batch.Committed)
	return users
}

func TestInsertBatch(t *testing.T) {
	h := newHarness(t)
	users := insertUsers(t, h, 3)

	for _, u := range users {
		assert.NotZero(t, u.ID)
		assert.True(t, u.Tracker().Armed())
		assert.Equal(t, "before", h.mr.HGet("us#"+u.UID, "acc"))
	}
}

func TestUpdateBatchSkipsNoOpItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	users := insertUsers(t, h, 3)

	users[0].SetAcc("one")
	users[2].SetAcc("three")

	batch, err := h.repo.UpdateBatch(ctx, users)
	require.NoError(t, err)
	require.NoError(t, batch.Err)
	assert.True(t, batch.Committed)
	assert.Equal(t, []outcome.Status{outcome.Succeeded, outcome.NoOp, outcome.Succeeded},
		[]outcome.Status{batch.Items[0].Status, batch.Items[1].Status, batch.Items[2].Status})

	assert.Len(t, h.mapper.updates, 2)
	assert.Equal(t, "one", h.row(t, 0, "u1").Acc)
	assert.Equal(t, "before", h.row(t, 0, "u2").Acc)
	assert.Equal(t, "three", h.row(t, 0, "u3").Acc)
	assert.Equal(t, "one", h.mr.HGet("us#u1", "acc"))
	assert.Equal(t, "three", h.mr.HGet("us#u3", "acc"))
	for _, u := range users {
		assert.False(t, u.Tracker().Dirty())
	}
}

func TestUpdateBatchRollbackReportsEveryItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	users := insertUsers(t, h, 5)

	for i, u := range users {
		u.SetAcc(fmt.Sprintf("after-%d", i+1))
	}
	h.mapper.failUpdate["u3"] = true

	batch, err := h.repo.UpdateBatch(ctx, users)
	require.NoError(t, err)
	require.Error(t, batch.Err)
	assert.False(t, batch.Committed)
	assert.Equal(t, []bool{false, false, false, false, false}, batch.Flags())
	assert.Equal(t, 5, batch.Count(outcome.RolledBack))
	assert.ErrorIs(t, batch.Items[2].Err, errInjected)
	assert.Len(t, h.mapper.updates, 3, "items after the failure are never sent")

	for _, u := range users {
		assert.Equal(t, "before", h.row(t, 0, u.UID).Acc, "rolled back")
		assert.Equal(t, "before", h.mr.HGet("us#"+u.UID, "acc"), "cache untouched")
		assert.True(t, u.Tracker().Dirty(), "changes kept for a retry")
	}
}

func TestUpdateBatchRequiresArmedItems(t *testing.T) {
	h := newHarness(t)
	users := insertUsers(t, h, 2)
	users[0].SetAcc("x")

	loose := &user{Base: entity.Base{UID: "loose"}}
	_, err := h.repo.UpdateBatch(context.Background(), []*user{users[0], loose})
	require.Error(t, err)
	assert.True(t, outcome.IsConfig(err))
	assert.Empty(t, h.mapper.updates)
}

func TestDeleteBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	users := insertUsers(t, h, 2)

	batch, err := h.repo.DeleteBatch(ctx, users)
	require.NoError(t, err)
	require.True(t, batch.Committed)
	assert.Equal(t, []bool{true, true}, batch.Flags())

	for _, u := range users {
		assert.True(t, u.Deleted)
		assert.False(t, h.mr.Exists("us#"+u.UID))
		row := h.row(t, 0, u.UID)
		assert.True(t, row.Deleted)
		assert.True(t, row.DeleteTime.Equal(u.DeleteTime))
	}
}

func TestBatchUnknownShardIsConfigError(t *testing.T) {
	h := newHarness(t)
	// A resolver that targets a shard the cluster does not have.
	h.repo.resolver = fixedResolver{target: 5}

	_, err := h.repo.InsertBatch(context.Background(), []*user{{Base: entity.Base{UID: "x"}}})
	require.Error(t, err)
	assert.True(t, outcome.IsConfig(err))
}
