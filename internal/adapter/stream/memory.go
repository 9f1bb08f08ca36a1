// Package stream provides domain.StreamBackend implementations.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"autopilot/internal/domain"
)

var _ domain.StreamBackend = (*Memory)(nil)

// Memory is an in-process stream backend: one ring buffer per key. Entries
// beyond the capacity are overwritten even without an explicit Trim.
type Memory struct {
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	streams map[string]*ring
	lastMs  int64
	seq     int64
}

type ring struct {
	buf   []domain.StreamEntry
	head  int // index of the oldest entry
	count int
}

// NewMemory creates a Memory backend holding at most capacity entries per key.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 800
	}
	return &Memory{
		capacity: capacity,
		now:      time.Now,
		streams:  make(map[string]*ring),
	}
}

// nextID returns a strictly increasing "<unixms>-<seq>" ID. Caller holds mu.
func (m *Memory) nextID() string {
	ms := m.now().UnixMilli()
	if ms > m.lastMs {
		m.lastMs = ms
		m.seq = 0
	} else {
		m.seq++
	}
	return strconv.FormatInt(m.lastMs, 10) + "-" + strconv.FormatInt(m.seq, 10)
}

func (m *Memory) Append(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.streams[key]
	if !ok {
		r = &ring{buf: make([]domain.StreamEntry, m.capacity)}
		m.streams[key] = r
	}
	id := m.nextID()
	entry := domain.StreamEntry{ID: id, Data: append([]byte(nil), data...)}
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = entry
		r.count++
	} else {
		r.buf[r.head] = entry
		r.head = (r.head + 1) % len(r.buf)
	}
	return id, nil
}

func (m *Memory) Range(ctx context.Context, key, start, end string, limit int64) ([]domain.StreamEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lo, err := parseBound(start, true)
	if err != nil {
		return nil, err
	}
	hi, err := parseBound(end, false)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.streams[key]
	if !ok {
		return nil, nil
	}

	// Walk newest to oldest so limit keeps the newest entries.
	var out []domain.StreamEntry
	for i := r.count - 1; i >= 0; i-- {
		e := r.buf[(r.head+i)%len(r.buf)]
		id, _ := parseID(e.ID)
		if id.less(lo) {
			break
		}
		if hi.less(id) {
			continue
		}
		out = append(out, e)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *Memory) Len(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.streams[key]; ok {
		return int64(r.count), nil
	}
	return 0, nil
}

func (m *Memory) Trim(ctx context.Context, key string, maxLen int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if maxLen < 0 {
		return fmt.Errorf("trim %s: negative max length %d", key, maxLen)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.streams[key]
	if !ok {
		return nil
	}
	for int64(r.count) > maxLen {
		r.buf[r.head] = domain.StreamEntry{}
		r.head = (r.head + 1) % len(r.buf)
		r.count--
	}
	return nil
}

// streamID is a parsed "<ms>-<seq>" entry ID.
type streamID struct{ ms, seq int64 }

func (a streamID) less(b streamID) bool {
	if a.ms != b.ms {
		return a.ms < b.ms
	}
	return a.seq < b.seq
}

func parseID(s string) (streamID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	id := streamID{ms: ms}
	if hasSeq {
		if id.seq, err = strconv.ParseInt(seqPart, 10, 64); err != nil {
			return streamID{}, fmt.Errorf("invalid stream id %q", s)
		}
	}
	return id, nil
}

// parseBound resolves a Range bound. A bare millisecond start covers seq 0 and
// a bare millisecond end covers every seq in that millisecond.
func parseBound(s string, isStart bool) (streamID, error) {
	switch s {
	case domain.StreamStart, "":
		if isStart {
			return streamID{}, nil
		}
		return streamID{ms: 1<<63 - 1, seq: 1<<63 - 1}, nil
	case domain.StreamEnd:
		return streamID{ms: 1<<63 - 1, seq: 1<<63 - 1}, nil
	}
	id, err := parseID(s)
	if err != nil {
		return streamID{}, err
	}
	if !isStart && !strings.Contains(s, "-") {
		id.seq = 1<<63 - 1
	}
	return id, nil
}
