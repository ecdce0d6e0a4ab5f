package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponybunny-ai/taskforge/internal/persistence"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

func TestRecord_WritesSynchronously(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := New(store, nil)

	err := svc.Record(context.Background(), &v1.AuditEntry{
		ActorID:    "scheduler",
		ActorType:  v1.ActorSystem,
		Action:     "goal.status_changed",
		EntityType: "goal",
		EntityID:   "g-1",
	})
	require.NoError(t, err)

	page, err := svc.List(context.Background(), persistence.AuditFilter{GoalID: ""}, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "goal.status_changed", page.Entries[0].Action)
}

func TestRecordAsync_FlushesOnTicker(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := New(store, nil)
	svc.flushInterval = 10 * time.Millisecond
	svc.Start()
	defer svc.Stop()

	svc.RecordAsync(&v1.AuditEntry{ActorID: "agent-1", ActorType: v1.ActorAgent, Action: "tool.invoked", EntityType: "work_item", EntityID: "w-1"})

	require.Eventually(t, func() bool {
		page, err := svc.List(context.Background(), persistence.AuditFilter{}, 10, 0)
		return err == nil && len(page.Entries) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRecordAsync_FlushesOnStop(t *testing.T) {
	store := persistence.NewMemoryStore()
	svc := New(store, nil)
	svc.flushInterval = time.Hour
	svc.Start()

	svc.RecordAsync(&v1.AuditEntry{ActorID: "agent-1", ActorType: v1.ActorAgent, Action: "tool.invoked", EntityType: "work_item", EntityID: "w-1"})
	svc.Stop()

	page, err := svc.List(context.Background(), persistence.AuditFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
}
