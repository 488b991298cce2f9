// Package memstore is the in-process core.Store used for development and
// tests. One mutex guards everything; the value of this adapter is exact
// contract semantics, not throughput.
package memstore

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

const watchBuffer = 64

type watcher struct {
	ch   chan core.Document
	done chan struct{}
}

type Memstore struct {
	mu       sync.Mutex
	docs     map[string]core.Document
	watchers map[string][]*watcher
}

func New() *Memstore {
	return &Memstore{
		docs:     make(map[string]core.Document),
		watchers: make(map[string][]*watcher),
	}
}

func key(col, id string) string { return col + "/" + id }

func copyDoc(doc core.Document) core.Document {
	out := make(core.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func (m *Memstore) Get(ctx context.Context, col, id string) (core.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key(col, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyDoc(doc), nil
}

func (m *Memstore) Watch(ctx context.Context, col, id string) (<-chan core.Document, error) {
	m.mu.Lock()
	doc, ok := m.docs[key(col, id)]
	if !ok {
		m.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	w := &watcher{ch: make(chan core.Document, watchBuffer), done: make(chan struct{})}
	m.watchers[key(col, id)] = append(m.watchers[key(col, id)], w)
	w.ch <- copyDoc(doc)
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			m.unwatch(col, id, w)
		case <-w.done:
		}
	}()
	return w.ch, nil
}

func (m *Memstore) unwatch(col, id string, w *watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.watchers[key(col, id)]
	for i, cand := range list {
		if cand == w {
			m.watchers[key(col, id)] = append(list[:i], list[i+1:]...)
			close(w.ch)
			return
		}
	}
}

// notify pushes the current snapshot to every watcher. A slow consumer
// loses intermediate snapshots, never the latest: the oldest buffered one
// is dropped to make room.
func (m *Memstore) notify(col, id string) {
	doc, ok := m.docs[key(col, id)]
	if !ok {
		return
	}
	for _, w := range m.watchers[key(col, id)] {
		snap := copyDoc(doc)
		select {
		case w.ch <- snap:
		default:
			select {
			case <-w.ch:
			default:
			}
			select {
			case w.ch <- snap:
			default:
			}
		}
	}
}

func (m *Memstore) closeWatchers(col, id string) {
	for _, w := range m.watchers[key(col, id)] {
		close(w.done)
		close(w.ch)
	}
	delete(m.watchers, key(col, id))
}

func (m *Memstore) SetFields(ctx context.Context, col, id string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key(col, id)]
	if !ok {
		doc = make(core.Document, len(fields))
		m.docs[key(col, id)] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	m.notify(col, id)
	return nil
}

func (m *Memstore) DeleteFields(ctx context.Context, col, id string, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key(col, id)]
	if !ok {
		return domain.ErrNotFound
	}
	for _, name := range names {
		delete(doc, name)
	}
	m.notify(col, id)
	return nil
}

func (m *Memstore) CompareAndSet(ctx context.Context, col, id, field, expect, next string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key(col, id)]
	if !ok {
		return domain.ErrNotFound
	}
	// Absent fields compare equal to the empty string.
	if doc[field] != expect {
		return domain.ErrConflict
	}
	doc[field] = next
	m.notify(col, id)
	return nil
}

func (m *Memstore) Increment(ctx context.Context, col, id, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key(col, id)]
	if !ok {
		return 0, domain.ErrNotFound
	}
	cur, _ := strconv.ParseInt(doc[field], 10, 64)
	cur += delta
	doc[field] = strconv.FormatInt(cur, 10)
	m.notify(col, id)
	return cur, nil
}

func (m *Memstore) Append(ctx context.Context, col string, doc core.Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.docs[key(col, id)] = copyDoc(doc)
	return id, nil
}

func (m *Memstore) Delete(ctx context.Context, col, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key(col, id)]; !ok {
		return domain.ErrNotFound
	}
	delete(m.docs, key(col, id))
	m.closeWatchers(col, id)
	return nil
}

// memTx stages writes against copy-on-write documents. Nothing becomes
// visible until the transaction function returns nil; the store mutex is
// held across the whole transaction, so the read view is consistent by
// construction.
type memTx struct {
	store  *Memstore
	staged map[string]core.Document
}

func (t *memTx) load(col, id string) (core.Document, bool) {
	if doc, ok := t.staged[key(col, id)]; ok {
		return doc, true
	}
	doc, ok := t.store.docs[key(col, id)]
	if !ok {
		return nil, false
	}
	staged := copyDoc(doc)
	t.staged[key(col, id)] = staged
	return staged, true
}

func (t *memTx) create(col, id string) core.Document {
	doc, ok := t.load(col, id)
	if !ok {
		doc = make(core.Document)
		t.staged[key(col, id)] = doc
	}
	return doc
}

func (t *memTx) Get(col, id string) (core.Document, error) {
	doc, ok := t.load(col, id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyDoc(doc), nil
}

func (t *memTx) SetFields(col, id string, fields map[string]string) {
	doc := t.create(col, id)
	for k, v := range fields {
		doc[k] = v
	}
}

func (t *memTx) Increment(col, id, field string, delta int64) {
	doc := t.create(col, id)
	cur, _ := strconv.ParseInt(doc[field], 10, 64)
	doc[field] = strconv.FormatInt(cur+delta, 10)
}

func (t *memTx) DeleteFields(col, id string, names ...string) {
	doc, ok := t.load(col, id)
	if !ok {
		return
	}
	for _, name := range names {
		delete(doc, name)
	}
}

func (m *Memstore) Transact(ctx context.Context, fn func(tx core.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{store: m, staged: make(map[string]core.Document)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, doc := range tx.staged {
		m.docs[k] = doc
	}
	for k := range tx.staged {
		col, id, ok := splitKey(k)
		if ok {
			m.notify(col, id)
		}
	}
	return nil
}

func splitKey(k string) (col, id string, ok bool) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '/' {
			return k[:i], k[i+1:], true
		}
	}
	return "", "", false
}
