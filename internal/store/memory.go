package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type memoryRecord struct {
	doc     Document
	payload []byte
}

type memoryTable struct {
	lastID  int64
	records map[int64]memoryRecord
}

// MemoryBackend keeps everything in process memory. Values pass through
// the codec on every write and read, so callers never share maps with the
// store and see the same decoded types a persistent backend would return.
type MemoryBackend struct {
	mu     sync.RWMutex
	codec  Codec
	logger *zap.SugaredLogger
	tables map[Key]*memoryTable
	apps   map[string][]byte
	defs   map[Key][]byte
}

func NewMemoryBackend(codec Codec) *MemoryBackend {
	if codec == nil {
		codec = jsonCodec{}
	}
	return &MemoryBackend{
		codec:  codec,
		logger: zap.NewNop().Sugar(),
		tables: make(map[Key]*memoryTable),
		apps:   make(map[string][]byte),
		defs:   make(map[Key][]byte),
	}
}

// WithLogger sets the logger that reports skipped records.
func (m *MemoryBackend) WithLogger(logger *zap.SugaredLogger) *MemoryBackend {
	if logger != nil {
		m.logger = logger
	}
	return m
}

func (m *MemoryBackend) table(key Key) *memoryTable {
	t, ok := m.tables[key]
	if !ok {
		t = &memoryTable{records: make(map[int64]memoryRecord)}
		m.tables[key] = t
	}
	return t
}

func (m *MemoryBackend) EnsureTable(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(key)
	return nil
}

func (m *MemoryBackend) DropTable(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, key)
	return nil
}

func (m *MemoryBackend) RenameTable(_ context.Context, from, to Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tables[to]; exists && from != to {
		return fmt.Errorf("%w: table %s already has storage", ErrUniqueViolation, to)
	}
	if t, ok := m.tables[from]; ok {
		delete(m.tables, from)
		m.tables[to] = t
	}
	return nil
}

func (m *MemoryBackend) NextID(_ context.Context, key Key) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(key)
	t.lastID++
	return t.lastID, nil
}

func (m *MemoryBackend) encode(doc Document) (memoryRecord, error) {
	payload, err := m.codec.Encode(doc.Values)
	if err != nil {
		return memoryRecord{}, fmt.Errorf("encode document %d: %w", doc.ID, err)
	}
	rec := memoryRecord{doc: doc, payload: payload}
	rec.doc.Values = nil
	return rec, nil
}

func (m *MemoryBackend) decode(rec memoryRecord) (Document, error) {
	values, err := m.codec.Decode(rec.payload)
	if err != nil {
		return Document{}, err
	}
	doc := rec.doc
	doc.Values = values
	return doc, nil
}

func (m *MemoryBackend) Insert(_ context.Context, key Key, doc Document) error {
	rec, err := m.encode(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(key)
	if _, exists := t.records[doc.ID]; exists {
		return fmt.Errorf("%w: record %d already exists in %s", ErrUniqueViolation, doc.ID, key)
	}
	t.records[doc.ID] = rec
	if doc.ID > t.lastID {
		t.lastID = doc.ID
	}
	return nil
}

func (m *MemoryBackend) Replace(_ context.Context, key Key, doc Document) error {
	rec, err := m.encode(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[key]
	if !ok {
		return ErrNotFound
	}
	if _, exists := t.records[doc.ID]; !exists {
		return ErrNotFound
	}
	t.records[doc.ID] = rec
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, key Key, id int64) (Document, error) {
	m.mu.RLock()
	t, ok := m.tables[key]
	var rec memoryRecord
	if ok {
		rec, ok = t.records[id]
	}
	m.mu.RUnlock()
	if !ok {
		return Document{}, ErrNotFound
	}
	return m.decode(rec)
}

func (m *MemoryBackend) Delete(_ context.Context, key Key, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[key]
	if !ok {
		return ErrNotFound
	}
	if _, exists := t.records[id]; !exists {
		return ErrNotFound
	}
	delete(t.records, id)
	return nil
}

func (m *MemoryBackend) Scan(_ context.Context, key Key) ([]Document, error) {
	m.mu.RLock()
	t, ok := m.tables[key]
	var recs []memoryRecord
	if ok {
		recs = make([]memoryRecord, 0, len(t.records))
		for _, rec := range t.records {
			recs = append(recs, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].doc.ID < recs[j].doc.ID })
	docs := make([]Document, 0, len(recs))
	for _, rec := range recs {
		doc, err := m.decode(rec)
		if err != nil {
			m.logger.Warnw("Skipping undecodable record", "table", key.String(), "id", rec.doc.ID, "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (m *MemoryBackend) Count(_ context.Context, key Key) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tables[key]; ok {
		return int64(len(t.records)), nil
	}
	return 0, nil
}

func (m *MemoryBackend) SaveApp(_ context.Context, name string, def []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[name] = append([]byte(nil), def...)
	return nil
}

func (m *MemoryBackend) DeleteApp(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apps, name)
	return nil
}

func (m *MemoryBackend) LoadApps(_ context.Context) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.apps))
	for name := range m.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([][]byte, len(names))
	for i, name := range names {
		out[i] = append([]byte(nil), m.apps[name]...)
	}
	return out, nil
}

func (m *MemoryBackend) SaveTable(_ context.Context, key Key, def []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[key] = append([]byte(nil), def...)
	return nil
}

func (m *MemoryBackend) DeleteTableDef(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.defs, key)
	return nil
}

func (m *MemoryBackend) LoadTables(_ context.Context) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.defs))
	for k := range m.defs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = append([]byte(nil), m.defs[k]...)
	}
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }
