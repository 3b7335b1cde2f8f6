package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/promptflow/types"
)

// Helper function to create a sample template
func newTemplate(id string) types.WorkflowTemplate {
	return types.WorkflowTemplate{
		ID:   id,
		Name: "Test Template",
		Nodes: []types.WorkflowNode{
			{ID: "outline", Data: types.StepData{
				Type:         types.StepSequential,
				Name:         "Outline",
				SystemPrompt: "You write outlines.",
				UserPrompt:   "Outline {{topic}}",
				InputMapping: map[string]string{"topic": "initialInput.topic"},
				ExpectJSON:   true,
			}},
		},
	}
}

// Helper function to create a sample run record
func newRun(id uint64, templateID, state string) types.RunRecord {
	return types.RunRecord{
		ID:         id,
		TemplateID: templateID,
		State:      state,
		Results:    map[string]any{"outline": "text"},
		CreatedAt:  time.Now().UnixMilli(),
		UpdatedAt:  time.Now().UnixMilli(),
	}
}

func runIDs(runs []types.RunRecord) []uint64 {
	ids := make([]uint64, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	return ids
}

// testStorage runs the behavior every Storage implementation shares. prefix
// keeps ids of parallel backends apart; base offsets run ids the same way.
func testStorage(t *testing.T, newStore func(t *testing.T) Storage, prefix string, base uint64) {
	ctx := context.Background()

	t.Run("Templates", func(t *testing.T) {
		store := newStore(t)

		b, a := newTemplate(prefix+"b"), newTemplate(prefix+"a")
		require.NoError(t, store.SaveTemplate(ctx, b))
		require.NoError(t, store.SaveTemplate(ctx, a))

		got, err := store.GetTemplate(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a, got)

		_, err = store.GetTemplate(ctx, prefix+"missing")
		assert.ErrorIs(t, err, ErrTemplateNotFound)

		b.Name = "Renamed"
		require.NoError(t, store.SaveTemplate(ctx, b))

		list, err := store.ListTemplates(ctx)
		require.NoError(t, err)
		var ids []string
		for _, tmpl := range list {
			ids = append(ids, tmpl.ID)
			if tmpl.ID == b.ID {
				assert.Equal(t, "Renamed", tmpl.Name)
			}
		}
		assert.Subset(t, ids, []string{a.ID, b.ID})
		assert.IsIncreasing(t, ids)
	})

	t.Run("Runs", func(t *testing.T) {
		store := newStore(t)
		tmplA, tmplB := prefix+"runs-a", prefix+"runs-b"

		running := newRun(base+1, tmplA, types.RunRunning)
		require.NoError(t, store.SaveRun(ctx, running))
		got, err := store.GetRun(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, running, got)

		done := running
		done.State = types.RunCompleted
		require.NoError(t, store.SaveRun(ctx, done))
		got, err = store.GetRun(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RunCompleted, got.State)

		_, err = store.GetRun(ctx, base+999)
		assert.ErrorIs(t, err, ErrRunNotFound)

		require.NoError(t, store.SaveRun(ctx, newRun(base+3, tmplA, types.RunFailed)))
		require.NoError(t, store.SaveRun(ctx, newRun(base+2, tmplB, types.RunRunning)))

		list, err := store.ListRuns(ctx, tmplA, 0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{base + 3, base + 1}, runIDs(list))

		list, err = store.ListRuns(ctx, tmplA, 1)
		require.NoError(t, err)
		assert.Equal(t, []uint64{base + 3}, runIDs(list))

		list, err = store.ListRuns(ctx, tmplB, 10)
		require.NoError(t, err)
		assert.Equal(t, []uint64{base + 2}, runIDs(list))

		list, err = store.ListRuns(ctx, prefix+"none", 10)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ClearFinished", func(t *testing.T) {
		store := newStore(t)
		tmpl := prefix + "clear"

		require.NoError(t, store.SaveRun(ctx, newRun(base+11, tmpl, types.RunRunning)))
		require.NoError(t, store.SaveRun(ctx, newRun(base+12, tmpl, types.RunCompleted)))
		require.NoError(t, store.SaveRun(ctx, newRun(base+13, tmpl, types.RunFailed)))

		require.NoError(t, store.ClearFinished(ctx))

		_, err := store.GetRun(ctx, base+11)
		assert.NoError(t, err)
		_, err = store.GetRun(ctx, base+12)
		assert.ErrorIs(t, err, ErrRunNotFound)
		_, err = store.GetRun(ctx, base+13)
		assert.ErrorIs(t, err, ErrRunNotFound)

		list, err := store.ListRuns(ctx, tmpl, 0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{base + 11}, runIDs(list))
	})

	t.Run("CanceledContext", func(t *testing.T) {
		store := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		assert.ErrorIs(t, store.SaveTemplate(cctx, newTemplate(prefix+"x")), context.Canceled)
		_, err := store.GetTemplate(cctx, prefix+"x")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.ListTemplates(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.SaveRun(cctx, newRun(base+21, prefix+"x", types.RunRunning)), context.Canceled)
		_, err = store.GetRun(cctx, base+21)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.ListRuns(cctx, "", 0)
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.ClearFinished(cctx), context.Canceled)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, store.SaveTemplate(ctx, newTemplate(fmt.Sprintf("%sc-%d", prefix, i))))
			}(i)
			go func(i int) {
				defer wg.Done()
				id := base + 100 + uint64(i)
				assert.NoError(t, store.SaveRun(ctx, newRun(id, prefix+"concurrent", types.RunRunning)))
				_, _ = store.GetRun(ctx, id)
			}(i)
		}
		wg.Wait()

		for i := 0; i < 50; i++ {
			_, err := store.GetTemplate(ctx, fmt.Sprintf("%sc-%d", prefix, i))
			assert.NoError(t, err)
		}
		list, err := store.ListRuns(ctx, prefix+"concurrent", 100)
		require.NoError(t, err)
		assert.Len(t, list, 50)
	})
}
