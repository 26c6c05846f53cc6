package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"anidbsync/internal/command"
	"anidbsync/internal/media"
)

// MemoryStore keeps everything in process memory. It implements the same
// ordering and dedup rules as the sqlite driver.
type MemoryStore struct {
	mu      sync.Mutex
	seq     uint64
	records map[string]*memRecord
	dead    []DeadLetter
	videos  map[int64]media.VideoLocal
	videoID int64
	files   map[fileKey]media.AniDBFile
	closed  bool
}

type memRecord struct {
	rec command.Record
	seq uint64 // insertion order, last tie-break like rowid
}

type fileKey struct {
	hash string
	size int64
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: map[string]*memRecord{},
		videos:  map[int64]media.VideoLocal{},
		files:   map[fileKey]media.AniDBFile{},
	}
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Insert(_ context.Context, rec command.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.records[rec.ID]; ok {
		return false, nil
	}
	if rec.State == "" {
		rec.State = command.StatePending
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	m.seq++
	m.records[rec.ID] = &memRecord{rec: rec, seq: m.seq}
	return true, nil
}

func (m *MemoryStore) Next(_ context.Context, class command.Class, now time.Time) (command.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return command.Record{}, false, ErrClosed
	}
	var best *memRecord
	for _, r := range m.records {
		if r.rec.Class != class || r.rec.State != command.StatePending || r.rec.NotBefore.After(now) {
			continue
		}
		if best == nil || less(r, best) {
			best = r
		}
	}
	if best == nil {
		return command.Record{}, false, nil
	}
	best.rec.State = command.StateInFlight
	return best.rec, true, nil
}

func less(a, b *memRecord) bool {
	if a.rec.Priority != b.rec.Priority {
		return a.rec.Priority < b.rec.Priority
	}
	// Millisecond resolution, as stored by sqlite.
	au, bu := a.rec.UpdatedAt.UnixMilli(), b.rec.UpdatedAt.UnixMilli()
	if au != bu {
		return au < bu
	}
	return a.seq < b.seq
}

func (m *MemoryStore) Retire(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Reschedule(_ context.Context, rec command.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[rec.ID]
	if !ok {
		return nil
	}
	r.rec.State = command.StatePending
	r.rec.UpdatedAt = rec.UpdatedAt
	r.rec.Attempts = rec.Attempts
	r.rec.RetryDelay = rec.RetryDelay
	r.rec.NotBefore = rec.NotBefore
	r.rec.LastError = rec.LastError
	return nil
}

func (m *MemoryStore) Release(_ context.Context, id string) error {
	m.mu.Lock()
	if r, ok := m.records[id]; ok {
		r.rec.State = command.StatePending
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Drop(_ context.Context, rec command.Record, reason string, at time.Time) error {
	m.mu.Lock()
	delete(m.records, rec.ID)
	m.dead = append(m.dead, DeadLetter{Record: rec, Reason: reason, DroppedAt: at})
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ResetInFlight(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.rec.State == command.StateInFlight {
			r.rec.State = command.StatePending
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Counts(_ context.Context, now time.Time) (map[command.Class]ClassCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[command.Class]ClassCounts{}
	for _, r := range m.records {
		c := out[r.rec.Class]
		switch {
		case r.rec.State == command.StateInFlight:
			c.InFlight++
		case r.rec.NotBefore.After(now):
			c.Waiting++
		default:
			c.Pending++
		}
		out[r.rec.Class] = c
	}
	return out, nil
}

func (m *MemoryStore) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []DeadLetter
	for i := len(m.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.dead[i])
	}
	return out, nil
}

// Record returns a stored record by id. Tests use it to inspect retry state.
func (m *MemoryStore) Record(id string) (command.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return command.Record{}, false
	}
	return r.rec, true
}

// ---- media ----

func (m *MemoryStore) Video(_ context.Context, id int64) (media.VideoLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return media.VideoLocal{}, fmt.Errorf("video %d: %w", id, media.ErrNotFound)
	}
	return v, nil
}

func (m *MemoryStore) SaveVideo(_ context.Context, v media.VideoLocal) (media.VideoLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	v.Hash = strings.ToLower(v.Hash)
	if v.ID == 0 {
		for id, old := range m.videos {
			if old.Path == v.Path {
				v.ID = id
				break
			}
		}
	}
	if v.ID == 0 {
		m.videoID++
		v.ID = m.videoID
	} else if _, ok := m.videos[v.ID]; !ok && v.ID <= m.videoID {
		return v, fmt.Errorf("video %d: %w", v.ID, media.ErrNotFound)
	}
	if v.ID > m.videoID {
		m.videoID = v.ID
	}
	m.videos[v.ID] = v
	return v, nil
}

// DeleteVideo removes a video; the file may vanish while commands are queued.
func (m *MemoryStore) DeleteVideo(id int64) {
	m.mu.Lock()
	delete(m.videos, id)
	m.mu.Unlock()
}

func (m *MemoryStore) FileByHash(_ context.Context, hash string, size int64) (media.AniDBFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileKey{strings.ToLower(hash), size}]
	if !ok {
		return media.AniDBFile{}, fmt.Errorf("anidb file %s/%d: %w", hash, size, media.ErrNotFound)
	}
	return f, nil
}

func (m *MemoryStore) SaveFile(_ context.Context, f media.AniDBFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.FetchedAt.IsZero() {
		f.FetchedAt = time.Now()
	}
	f.Hash = strings.ToLower(f.Hash)
	m.files[fileKey{f.Hash, f.FileSize}] = f
	return nil
}

func (m *MemoryStore) UnlinkedVideos(_ context.Context, limit int) ([]media.VideoLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []media.VideoLocal
	for _, v := range m.videos {
		if v.Hash != "" && v.FileSize == 0 {
			continue
		}
		if _, ok := m.files[fileKey{v.Hash, v.FileSize}]; ok && v.Hash != "" {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
