package logcapture

import "sync"

// Store maps instance ids to their log buffers. Its lock only guards the map;
// appends take the per-buffer lock, so writers never wait on each other across
// instances.
type Store struct {
	mu       sync.RWMutex
	buffers  map[uint32]*Buffer
	capacity int
}

// NewStore creates a store whose buffers hold capacity lines each.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		buffers:  make(map[uint32]*Buffer),
		capacity: capacity,
	}
}

// Create installs an empty buffer for id, replacing any previous one.
func (s *Store) Create(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[id] = NewBuffer(s.capacity)
}

// Remove deletes the buffer for id.
func (s *Store) Remove(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, id)
}

// Clear deletes every buffer.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = make(map[uint32]*Buffer)
}

// Has reports whether a buffer exists for id.
func (s *Store) Has(id uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buffers[id]
	return ok
}

// Append adds a line to id's buffer. Lines for unknown instances are dropped
// and Append reports false.
func (s *Store) Append(id uint32, text string, isError bool) bool {
	buf := s.buffer(id)
	if buf == nil {
		return false
	}
	buf.Append(Line{InstanceID: id, Text: text, IsError: isError})
	return true
}

// Logs returns id's lines from window position since onwards. Unknown ids and
// out-of-range positions yield an empty slice.
func (s *Store) Logs(id uint32, since int) []Line {
	buf := s.buffer(id)
	if buf == nil {
		return []Line{}
	}
	return buf.Since(since)
}

// LogsAfterSeq returns id's retained lines with a sequence number above seq.
func (s *Store) LogsAfterSeq(id uint32, seq uint64) []Line {
	buf := s.buffer(id)
	if buf == nil {
		return []Line{}
	}
	return buf.AfterSeq(seq)
}

func (s *Store) buffer(id uint32) *Buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffers[id]
}
