package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeOffsetStore struct {
	saved map[string]int64
}

func newFakeOffsetStore() *fakeOffsetStore { return &fakeOffsetStore{saved: make(map[string]int64)} }

func (f *fakeOffsetStore) Load(topic string, partition int32) (int64, bool, error) {
	off, ok := f.saved[offsetKey(topic, partition)]
	return off, ok, nil
}

func (f *fakeOffsetStore) Save(topic string, partition int32, offset int64) error {
	f.saved[offsetKey(topic, partition)] = offset
	return nil
}

func TestAdvanceSavesHighestOffsetInOldestPendingBatch(t *testing.T) {
	store := newFakeOffsetStore()
	p := &PartitionConsumer{
		topic:       "orders",
		partitionID: 2,
		committed:   store,
		pending:     [][]int64{{5, 7, 6}, {10, 11}},
	}

	p.Advance(0)

	off, ok, err := store.Load("orders", 2)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 7, off, "the highest offset in the first pending batch must be saved")
	assert.Len(t, p.pending, 1, "the consumed batch must be popped off the front of pending")
}

func TestAdvanceProcessesBatchesInFIFOOrder(t *testing.T) {
	a := assert.New(t)
	store := newFakeOffsetStore()
	p := &PartitionConsumer{
		topic:       "orders",
		partitionID: 0,
		committed:   store,
		pending:     [][]int64{{1}, {2}, {3}},
	}

	p.Advance(0)
	off, _, _ := store.Load("orders", 0)
	a.EqualValues(1, off)

	p.Advance(0)
	off, _, _ = store.Load("orders", 0)
	a.EqualValues(2, off)
}

func TestAdvanceWithNoPendingBatchIsANoOp(t *testing.T) {
	store := newFakeOffsetStore()
	p := &PartitionConsumer{topic: "orders", partitionID: 0, committed: store}

	assert.NotPanics(t, func() { p.Advance(0) })
	_, ok, _ := store.Load("orders", 0)
	assert.False(t, ok)
}

func TestAdvanceWithNilOffsetStoreIsANoOp(t *testing.T) {
	p := &PartitionConsumer{topic: "orders", partitionID: 0, pending: [][]int64{{1, 2}}}
	assert.NotPanics(t, func() { p.Advance(0) })
	assert.Empty(t, p.pending)
}
