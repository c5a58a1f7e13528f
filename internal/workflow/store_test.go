package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/caseflow/model"
)

var storeEpoch = time.Date(2025, 6, 27, 10, 0, 0, 0, time.UTC)

func newStoredInstance(caseID string, created time.Time) model.WorkflowInstance {
	step := legacyTemplate().Steps[0].Clone()
	return model.WorkflowInstance{
		ID:           "inst-" + caseID,
		CaseID:       caseID,
		TemplateName: "Leave Approval",
		CurrentStep:  &step,
		Status:       model.WorkflowStatusActive,
		History:      []model.WorkflowHistoryEntry{},
		CreatedAt:    created,
		UpdatedAt:    created,
		Version:      1,
	}
}

// runInstanceStoreContract exercises the behavior every InstanceStore must share.
func runInstanceStoreContract(t *testing.T, newStore func(t *testing.T) InstanceStore) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Create(ctx, newStoredInstance("case-001", storeEpoch))
		require.NoError(t, err)
		assert.Equal(t, 1, created.Version)

		got, err := s.Get(ctx, "case-001")
		require.NoError(t, err)
		assert.Equal(t, "inst-case-001", got.ID)
		require.NotNil(t, got.CurrentStep)
		assert.Equal(t, "initiation", got.CurrentStep.ID)
		assert.Equal(t, []string{"Submit"}, got.CurrentStep.Actions)
		assert.Equal(t, model.WorkflowStatusActive, got.Status)
		assert.Empty(t, got.History)
		assert.True(t, got.CreatedAt.Equal(storeEpoch))

		byID, err := s.GetByID(ctx, "inst-case-001")
		require.NoError(t, err)
		assert.Equal(t, "case-001", byID.CaseID)
	})

	t.Run("missing instance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Get(ctx, "case-404")
		assert.True(t, model.HasCode(err, model.ErrInstanceNotFound), "Get: %v", err)
		_, err = s.GetByID(ctx, "inst-404")
		assert.True(t, model.HasCode(err, model.ErrInstanceNotFound), "GetByID: %v", err)
		_, err = s.CompareAndSet(ctx, "case-404", 1, newStoredInstance("case-404", storeEpoch))
		assert.True(t, model.HasCode(err, model.ErrInstanceNotFound), "CompareAndSet: %v", err)
	})

	t.Run("one instance per case", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Create(ctx, newStoredInstance("case-001", storeEpoch))
		require.NoError(t, err)

		dup := newStoredInstance("case-001", storeEpoch)
		dup.ID = "inst-other"
		_, err = s.Create(ctx, dup)
		assert.True(t, model.HasCode(err, model.ErrConflict), "Create: %v", err)
	})

	t.Run("compare and set", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inst, err := s.Create(ctx, newStoredInstance("case-001", storeEpoch))
		require.NoError(t, err)

		next := inst.Clone()
		step := legacyTemplate().Steps[1].Clone()
		next.CurrentStep = &step
		next.History = append(next.History, model.WorkflowHistoryEntry{
			StepID: "initiation", StepName: "Initiation", ActionTaken: "Submit",
			ActionBy: "user-1", Timestamp: storeEpoch.Add(time.Minute), Comment: "please review",
		})
		next.UpdatedAt = storeEpoch.Add(time.Minute)

		stored, err := s.CompareAndSet(ctx, "case-001", 1, next)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.Version)
		assert.Equal(t, "review", stored.CurrentStep.ID)
		require.Len(t, stored.History, 1)
		assert.Equal(t, "please review", stored.History[0].Comment)

		// A second writer holding version 1 loses.
		_, err = s.CompareAndSet(ctx, "case-001", 1, next)
		assert.True(t, model.HasCode(err, model.ErrConcurrentModification), "stale CompareAndSet: %v", err)

		got, err := s.Get(ctx, "case-001")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Len(t, got.History, 1)
	})

	t.Run("terminal state has no step", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inst, err := s.Create(ctx, newStoredInstance("case-001", storeEpoch))
		require.NoError(t, err)

		next := inst.Clone()
		next.CurrentStep = nil
		next.Status = model.WorkflowStatusRejected
		_, err = s.CompareAndSet(ctx, "case-001", 1, next)
		require.NoError(t, err)

		got, err := s.Get(ctx, "case-001")
		require.NoError(t, err)
		assert.Nil(t, got.CurrentStep)
		assert.Equal(t, model.WorkflowStatusRejected, got.Status)
		assert.True(t, got.Consistent())
	})

	t.Run("concurrent commits", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inst, err := s.Create(ctx, newStoredInstance("case-001", storeEpoch))
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := inst.Clone()
				next.History = append(next.History, model.WorkflowHistoryEntry{ActionTaken: fmt.Sprintf("writer-%d", i)})
				_, err := s.CompareAndSet(ctx, "case-001", inst.Version, next)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case model.HasCode(err, model.ErrConcurrentModification):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		assert.Equal(t, writers-1, conflicts)

		got, err := s.Get(ctx, "case-001")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Len(t, got.History, 1)
	})

	t.Run("list filters and pages newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			inst := newStoredInstance(fmt.Sprintf("case-%03d", i), storeEpoch.Add(time.Duration(i)*time.Hour))
			if i%2 == 1 {
				inst.TemplateName = "Procurement"
			}
			_, err := s.Create(ctx, inst)
			require.NoError(t, err)
		}

		all, total, err := s.List(ctx, model.InstanceFilter{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, all, 5)
		assert.Equal(t, "case-004", all[0].CaseID)
		assert.Equal(t, "case-000", all[4].CaseID)

		page, total, err := s.List(ctx, model.InstanceFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, "case-002", page[0].CaseID)
		assert.Equal(t, "case-001", page[1].CaseID)

		procurement, total, err := s.List(ctx, model.InstanceFilter{TemplateName: "Procurement"})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, procurement, 2)

		byCase, total, err := s.List(ctx, model.InstanceFilter{CaseID: "case-003"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, byCase, 1)
		assert.Equal(t, "Procurement", byCase[0].TemplateName)

		none, total, err := s.List(ctx, model.InstanceFilter{Status: model.WorkflowStatusCompleted})
		require.NoError(t, err)
		assert.Equal(t, 0, total)
		assert.NotNil(t, none)
		assert.Empty(t, none)

		past, total, err := s.List(ctx, model.InstanceFilter{Offset: 10})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Empty(t, past)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Create(ctx, newStoredInstance("case-001", storeEpoch))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "case-001"))

		_, err = s.Get(ctx, "case-001")
		assert.True(t, model.HasCode(err, model.ErrInstanceNotFound))
		_, err = s.GetByID(ctx, "inst-case-001")
		assert.True(t, model.HasCode(err, model.ErrInstanceNotFound))

		err = s.Delete(ctx, "case-001")
		assert.True(t, model.HasCode(err, model.ErrInstanceNotFound), "second Delete: %v", err)

		// The case can be started again.
		_, err = s.Create(ctx, newStoredInstance("case-001", storeEpoch))
		require.NoError(t, err)
	})

	t.Run("health", func(t *testing.T) {
		assert.NoError(t, newStore(t).HealthCheck(context.Background()))
	})
}
