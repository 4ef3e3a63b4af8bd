package kafka

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// FileOffsetStore persists committed offsets for the partitioned dialect's
// PartitionConsumer to a single JSON file, so a restart resumes rather than
// re-reading from the oldest available offset. It is the minimal
// replacement for what the consumer-group dialect gets for free from the
// broker's own offset storage.
type FileOffsetStore struct {
	path string

	mu      sync.Mutex
	offsets map[string]int64 // "topic@partition" -> last committed offset
}

// NewFileOffsetStore loads path if it exists, or starts empty.
func NewFileOffsetStore(path string) (*FileOffsetStore, error) {
	s := &FileOffsetStore{path: path, offsets: make(map[string]int64)}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading offset store %q", path)
	}
	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s.offsets); err != nil {
		return nil, errors.Wrapf(err, "parsing offset store %q", path)
	}
	return s, nil
}

func offsetKey(topic string, partition int32) string {
	return topic + "@" + strconv.FormatInt(int64(partition), 10)
}

// Load implements kafka.OffsetStore.
func (s *FileOffsetStore) Load(topic string, partition int32) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.offsets[offsetKey(topic, partition)]
	return off, ok, nil
}

// Save implements kafka.OffsetStore and persists the whole table atomically
// via a rename, so a crash mid-write never leaves a truncated file behind.
func (s *FileOffsetStore) Save(topic string, partition int32, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[offsetKey(topic, partition)] = offset

	b, err := json.Marshal(s.offsets)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
