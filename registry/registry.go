// Package registry tracks the live channel behind each logical realtime subscription so that
// a subscription never opens a second connection while one is live or handshaking.
package registry

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/multierr"

	"github.com/autom8ter/rtsync/errors"
)

// CallbackScope is the scope of subscriptions whose events are handled by a caller supplied handler
// rather than by invalidating a query key.
const CallbackScope = "callback"

// Key identifies one logical subscription
type Key struct {
	Table    string `json:"table"`
	Scope    string `json:"scope"`
	Instance string `json:"instance"`
}

func (k Key) String() string {
	return k.Table + ":" + k.Scope + ":" + k.Instance
}

// AcquireState is the outcome of Acquire
type AcquireState int

const (
	// Missing means no record exists and the caller should create one
	Missing AcquireState = iota
	// Pending means a record exists but its handshake has not completed; the caller must wait
	Pending
	// Acquired means the caller now shares the active record
	Acquired
)

func (s AcquireState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Acquired:
		return "acquired"
	default:
		return "missing"
	}
}

// RecordInfo is a point in time copy of a record
type RecordInfo struct {
	Key          Key       `json:"key"`
	Subscribers  int       `json:"subscribers"`
	Active       bool      `json:"active"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Record is the registry entry of one live subscription. The registry owns its handle.
type Record struct {
	reg          *Registry
	key          Key
	handle       io.Closer
	subscribers  int
	active       bool
	lastActivity time.Time
	createdAt    time.Time
	ready        chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

// Key returns the record key
func (r *Record) Key() Key {
	return r.key
}

// Ready is closed once the record's current handshake completes
func (r *Record) Ready() <-chan struct{} {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return r.ready
}

// Done is closed when the record is removed from the registry
func (r *Record) Done() <-chan struct{} {
	return r.done
}

func (r *Record) info() RecordInfo {
	return RecordInfo{
		Key:          r.key,
		Subscribers:  r.subscribers,
		Active:       r.active,
		LastActivity: r.lastActivity,
		CreatedAt:    r.createdAt,
	}
}

func (r *Record) close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.handle != nil {
			err = r.handle.Close()
		}
	})
	return err
}

// Registry maps subscription keys to their live records
type Registry struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[Key]*Record
}

// New returns an empty registry stamping activity with clk (the wall clock if nil)
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registry{
		clock:   clk,
		records: map[Key]*Record{},
	}
}

// Acquire looks up key. An active record gains a subscriber and is returned as Acquired.
// A record that is still handshaking is returned as Pending without gaining a subscriber.
func (r *Registry) Acquire(key Key) (*Record, AcquireState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, Missing
	}
	if !rec.active {
		return rec, Pending
	}
	rec.subscribers++
	rec.lastActivity = r.clock.Now()
	return rec, Acquired
}

// Register inserts a new inactive record with one subscriber. It fails with a Conflict error
// if key is already registered.
func (r *Registry) Register(key Key, handle io.Closer) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[key]; ok {
		return nil, errors.New(errors.Conflict, "subscription %s is already registered", key)
	}
	now := r.clock.Now()
	rec := &Record{
		reg:          r,
		key:          key,
		handle:       handle,
		subscribers:  1,
		lastActivity: now,
		createdAt:    now,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	r.records[key] = rec
	return rec, nil
}

// MarkActive marks the record active after a successful handshake. It returns false when the
// record is missing or already active.
func (r *Registry) MarkActive(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.active {
		return false
	}
	rec.active = true
	rec.lastActivity = r.clock.Now()
	close(rec.ready)
	return true
}

// MarkInactive marks the record inactive while its channel reconnects
func (r *Registry) MarkInactive(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || !rec.active {
		return false
	}
	rec.active = false
	rec.ready = make(chan struct{})
	return true
}

// Touch records activity on key
func (r *Registry) Touch(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		rec.lastActivity = r.clock.Now()
	}
}

// Release drops one subscriber from key. When none remain the record is removed and its handle
// closed. Releasing an unknown key is a no-op.
func (r *Registry) Release(key Key) (bool, error) {
	r.mu.Lock()
	rec, ok := r.records[key]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	if rec.subscribers > 0 {
		rec.subscribers--
	}
	if rec.subscribers > 0 {
		r.mu.Unlock()
		return false, nil
	}
	r.removeLocked(rec)
	r.mu.Unlock()
	return true, rec.close()
}

// ForceRemove removes key regardless of its subscriber count and closes its handle
func (r *Registry) ForceRemove(key Key) (bool, error) {
	r.mu.Lock()
	rec, ok := r.records[key]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	r.removeLocked(rec)
	r.mu.Unlock()
	return true, rec.close()
}

func (r *Registry) removeLocked(rec *Record) {
	delete(r.records, rec.key)
	rec.active = false
	close(rec.done)
}

// Get returns a copy of the record under key
func (r *Registry) Get(key Key) (RecordInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return RecordInfo{}, false
	}
	return rec.info(), true
}

// Snapshot returns a copy of every record ordered by key
func (r *Registry) Snapshot() []RecordInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]RecordInfo, 0, len(r.records))
	for _, rec := range r.records {
		infos = append(infos, rec.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key.String() < infos[j].Key.String()
	})
	return infos
}

// Len returns the number of records
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// CloseAll removes every record and closes every handle. It is meant for process teardown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	var recs []*Record
	for _, rec := range r.records {
		recs = append(recs, rec)
		r.removeLocked(rec)
	}
	r.mu.Unlock()
	var err error
	for _, rec := range recs {
		err = multierr.Append(err, rec.close())
	}
	return err
}
