package agent

import (
	"sync"
	"time"
)

// DiaryEntry is one private diary record. EntryIndex is assigned by the diary
// and forms a gap-free 1..N sequence per agent across lives.
type DiaryEntry struct {
	EntryIndex int       `json:"entry_index"`
	LifeIndex  int       `json:"life_index"`
	TickMsLeft int64     `json:"tick_ms_left"`
	Text       string    `json:"text"`
	Tags       []string  `json:"tags"`
	CreatedAt  time.Time `json:"created_at"`
}

// AsMap renders the entry for telemetry payloads and the bundle.
func (e DiaryEntry) AsMap() map[string]any {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"entry_index":  e.EntryIndex,
		"life_index":   e.LifeIndex,
		"tick_ms_left": e.TickMsLeft,
		"text":         e.Text,
		"tags":         tags,
		"created_at":   e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Diary is an append-only ordered sequence of entries. Entries never shrink
// or reorder.
type Diary struct {
	mu      sync.Mutex
	entries []DiaryEntry
}

func (d *Diary) add(entry DiaryEntry) DiaryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry.EntryIndex = len(d.entries) + 1
	d.entries = append(d.entries, entry)
	return entry
}

// Latest returns the newest entry, or false when the diary is empty.
func (d *Diary) Latest() (DiaryEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) == 0 {
		return DiaryEntry{}, false
	}
	return d.entries[len(d.entries)-1], true
}

// Entries returns a copy of all entries in order.
func (d *Diary) Entries() []DiaryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DiaryEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Serialize renders the diary for the bundle.
func (d *Diary) Serialize() []map[string]any {
	entries := d.Entries()
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.AsMap())
	}
	return out
}

// Memory is the lifecycle-aware memory capsule: the diary plus the current
// life index, incremented on every respawn.
type Memory struct {
	mu        sync.Mutex
	diary     Diary
	lifeIndex int
}

// NewMemory builds an empty memory at life index 0.
func NewMemory() *Memory {
	return &Memory{}
}

// Diary exposes the owned diary.
func (m *Memory) Diary() *Diary {
	return &m.diary
}

// LifeIndex returns the current life index.
func (m *Memory) LifeIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lifeIndex
}

// StartNewLife increments the life index.
func (m *Memory) StartNewLife() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifeIndex++
}

// Remember appends a diary entry stamped with the current life index and UTC
// time.
func (m *Memory) Remember(text string, tickMsLeft int64, tags []string) DiaryEntry {
	if tags == nil {
		tags = []string{}
	}
	return m.diary.add(DiaryEntry{
		LifeIndex:  m.LifeIndex(),
		TickMsLeft: tickMsLeft,
		Text:       text,
		Tags:       tags,
		CreatedAt:  time.Now().UTC(),
	})
}
