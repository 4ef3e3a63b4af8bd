package rowset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerAdvancesOnlyAfterAllSiblingsFire(t *testing.T) {
	a := assert.New(t)

	var advanced []uint64
	tracker := NewTracker(func(seq uint64) { advanced = append(advanced, seq) })

	cbs := tracker.NewBatch(2)
	cbs[0].Fire()
	a.Empty(advanced, "must not advance until every sibling has fired")

	cbs[1].Fire()
	a.Equal([]uint64{0}, advanced)
}

func TestTrackerAdvancesInArrivalOrderDespiteOutOfOrderCompletion(t *testing.T) {
	a := assert.New(t)

	var advanced []uint64
	tracker := NewTracker(func(seq uint64) { advanced = append(advanced, seq) })

	batchA := tracker.NewBatch(1) // seq 0
	batchB := tracker.NewBatch(1) // seq 1
	batchC := tracker.NewBatch(1) // seq 2

	// Complete out of arrival order: C, then A, then B.
	batchC[0].Fire()
	a.Empty(advanced, "batch 2 can't advance before batches 0 and 1 complete")

	batchA[0].Fire()
	a.Equal([]uint64{0}, advanced, "only batch 0 is ready; 1 is still pending")

	batchB[0].Fire()
	a.Equal([]uint64{0, 1, 2}, advanced, "completing the last gap must flush every now-ready batch in order")
}

func TestTrackerSingleSiblingAdvancesImmediately(t *testing.T) {
	a := assert.New(t)

	var advanced []uint64
	tracker := NewTracker(func(seq uint64) { advanced = append(advanced, seq) })

	cbs := tracker.NewBatch(1)
	cbs[0].Fire()
	a.Equal([]uint64{0}, advanced)
}

func TestNewBatchWithZeroSiblingsAdvancesImmediately(t *testing.T) {
	a := assert.New(t)

	var advanced []uint64
	tracker := NewTracker(func(seq uint64) { advanced = append(advanced, seq) })

	cbs := tracker.NewBatch(0)
	a.Empty(cbs)
	a.Equal([]uint64{0}, advanced, "a poll with no surviving rows must still advance its seq")
}

func TestNewBatchWithZeroSiblingsPreservesArrivalOrder(t *testing.T) {
	a := assert.New(t)

	var advanced []uint64
	tracker := NewTracker(func(seq uint64) { advanced = append(advanced, seq) })

	batchA := tracker.NewBatch(1) // seq 0, a real batch
	tracker.NewBatch(0)           // seq 1, an all-skip poll
	a.Empty(advanced, "seq 1 can't advance before seq 0 completes")

	batchA[0].Fire()
	a.Equal([]uint64{0, 1}, advanced, "completing seq 0 must flush the already-ready seq 1 right behind it")
}

func TestNewBatchPanicsOnNegativeSiblings(t *testing.T) {
	tracker := NewTracker(func(uint64) {})
	assert.Panics(t, func() { tracker.NewBatch(-1) })
}

func TestDoubleFirePanics(t *testing.T) {
	tracker := NewTracker(func(uint64) {})
	cbs := tracker.NewBatch(1)
	cbs[0].Fire()
	assert.Panics(t, func() { cbs[0].Fire() })
}
