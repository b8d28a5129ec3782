package usecase

import (
	"testing"
	"time"

	"github.com/gotd/neo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgforward/internal/domain"
)

func TestAssemblerSingletonImmediate(t *testing.T) {
	clock := neo.NewTime(time.Now())
	a := NewAssembler(clock, 3*time.Second, true)

	units := a.Observe(msg(1, "hello"))
	require.Len(t, units, 1)
	assert.False(t, units[0].IsGroup())
	assert.Equal(t, 1, units[0].MaxID())
}

func TestAssemblerHoldsGroupUntilQuietWindow(t *testing.T) {
	clock := neo.NewTime(time.Now())
	a := NewAssembler(clock, 3*time.Second, true)

	assert.Empty(t, a.Observe(mediaMsg(10, 7, "caption")))
	assert.Empty(t, a.Observe(mediaMsg(11, 7, "")))
	assert.Equal(t, []int64{7}, a.PendingGroups())

	clock.Travel(4 * time.Second)
	units := a.Observe(msg(20, "next"))
	require.Len(t, units, 2)

	// Group first (lower first id), then the singleton.
	assert.True(t, units[0].IsGroup())
	assert.Len(t, units[0].Messages, 2)
	assert.Equal(t, 11, units[0].MaxID())
	assert.Equal(t, 20, units[1].MaxID())
	assert.Empty(t, a.PendingGroups())
}

func TestAssemblerGroupEmittedOnce(t *testing.T) {
	clock := neo.NewTime(time.Now())
	a := NewAssembler(clock, 3*time.Second, true)

	a.Observe(mediaMsg(10, 7, ""))
	a.Observe(mediaMsg(11, 7, ""))
	units := a.Flush()
	require.Len(t, units, 1)

	// A straggler of the emitted group goes standalone instead of being lost
	// or re-emitting the group.
	late := a.Observe(mediaMsg(12, 7, ""))
	require.Len(t, late, 1)
	assert.False(t, late[0].IsGroup())
	assert.Equal(t, 12, late[0].MaxID())
}

func TestAssemblerSizeCap(t *testing.T) {
	clock := neo.NewTime(time.Now())
	a := NewAssembler(clock, time.Minute, true)

	var units []domain.Unit
	for i := 1; i <= maxGroupSize; i++ {
		units = a.Observe(mediaMsg(i, 9, ""))
	}
	require.Len(t, units, 1)
	assert.Len(t, units[0].Messages, maxGroupSize)
	assert.Empty(t, a.PendingGroups())
}

func TestAssemblerMembersSortedByID(t *testing.T) {
	clock := neo.NewTime(time.Now())
	a := NewAssembler(clock, time.Minute, true)

	a.Observe(mediaMsg(12, 5, ""))
	a.Observe(mediaMsg(10, 5, ""))
	a.Observe(mediaMsg(11, 5, ""))
	units := a.Flush()
	require.Len(t, units, 1)

	ids := make([]int, 0, 3)
	for _, m := range units[0].Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int{10, 11, 12}, ids)
}

func TestAssemblerDetectAlbumOff(t *testing.T) {
	clock := neo.NewTime(time.Now())
	a := NewAssembler(clock, time.Minute, false)

	u1 := a.Observe(mediaMsg(10, 5, ""))
	u2 := a.Observe(mediaMsg(11, 5, ""))
	require.Len(t, u1, 1)
	require.Len(t, u2, 1)
	assert.False(t, u1[0].IsGroup())
	assert.False(t, u2[0].IsGroup())
	assert.Empty(t, a.Flush())
}

func TestAssemblerFlushCompletesPending(t *testing.T) {
	clock := neo.NewTime(time.Now())
	a := NewAssembler(clock, time.Minute, true)

	a.Observe(mediaMsg(10, 5, ""))
	a.Observe(mediaMsg(30, 6, ""))
	a.Observe(mediaMsg(11, 5, ""))

	units := a.Flush()
	require.Len(t, units, 2)
	assert.Equal(t, 11, units[0].MaxID())
	assert.Equal(t, 30, units[1].MaxID())
}
