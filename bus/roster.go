package bus

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/pinos-project/pinosclient/internal/nlog"
	"github.com/pinos-project/pinosclient/model"
)

// Handle is a roster entry: a remote object the Subscribe-roster has seen
// and is tracking (spec.md §4.3).
type Handle struct {
	Kind model.ObjectKind
	Path string
	Name string
	Rev  uint64
}

func key(kind model.ObjectKind, path string) string {
	return kind.String() + "\x00" + path
}

// RosterEvent is one delta delivered to a roster subscriber.
type RosterEvent struct {
	Type   model.EventType
	Handle *Handle
}

// State is the Subscribe-roster's own lifecycle state (spec.md §4.3): a
// state machine of its own, separate from (but feeding into) pctx.State.
// Ready is reached once the Daemon handle has been resolved at least once.
type State int

const (
	StateUnconnected State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "Ready"
	}
	return "Unconnected"
}

// Roster tracks every remote object the bus reports — all five required
// kinds (spec.md §4.3), unconditionally. subscription_mask (spec.md §3)
// is a Context-level concern, not a roster one: the roster always tracks
// every kind it observes, and Context decides which deltas to forward to
// its own subscription-event observers. A cuckoofilter sits in front of
// the exact map so a Lookup of an object we've never heard of doesn't
// need a map probe; the map remains authoritative, the filter
// only ever saves work (it may false-positive, never false-negative).
type Roster struct {
	mu      sync.Mutex
	objects map[string]*Handle
	seen    *cuckoo.Filter
	events  chan RosterEvent

	state          State
	stateObservers model.Observers[func(State)]
}

// NewRoster creates an empty, Unconnected Roster.
func NewRoster() *Roster {
	return &Roster{
		objects: make(map[string]*Handle),
		seen:    cuckoo.NewFilter(1024),
		events:  make(chan RosterEvent, 64),
		state:   StateUnconnected,
	}
}

// Events returns the channel Roster deltas are delivered on. Callers
// should drain it continuously; a full channel causes Observe to drop
// the oldest-pending delta to make room rather than block the bus
// dispatch goroutine (a warning is logged only if the new delta still
// cannot be queued and is dropped instead).
func (r *Roster) Events() <-chan RosterEvent { return r.events }

// State returns the roster's current lifecycle state.
func (r *Roster) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnStateChange registers fn to be called whenever the roster's state
// changes. fn runs synchronously on whatever goroutine called Observe or
// Reset.
func (r *Roster) OnStateChange(fn func(State)) int {
	return r.stateObservers.Add(fn)
}

// Reset returns the roster to Unconnected, e.g. when a Context tears down
// and will need a fresh Ready signal on the next connect attempt. Tracked
// objects are left in place — Observe will simply report them again as
// Change deltas, which is harmless.
func (r *Roster) Reset() {
	r.mu.Lock()
	wasReady := r.state == StateReady
	r.state = StateUnconnected
	r.mu.Unlock()
	if wasReady {
		r.stateObservers.Each(func(fn func(State)) { fn(StateUnconnected) })
	}
}

// Observe applies one (kind, path, name) sighting from the bus. exists
// false means the object has gone away.
func (r *Roster) Observe(kind model.ObjectKind, path, name string, exists bool) {
	k := key(kind, path)

	r.mu.Lock()
	h, had := r.objects[k]
	switch {
	case !exists && had:
		delete(r.objects, k)
	case !exists:
		r.mu.Unlock()
		return
	case had:
		h.Name = name
		h.Rev++
	default:
		h = &Handle{Kind: kind, Path: path, Name: name}
		r.objects[k] = h
		r.seen.InsertUnique([]byte(k))
	}

	becameReady := false
	if kind == model.KindDaemon && exists && r.state != StateReady {
		r.state = StateReady
		becameReady = true
	}
	r.mu.Unlock()

	if becameReady {
		r.stateObservers.Each(func(fn func(State)) { fn(StateReady) })
	}

	evType := model.EventChange
	switch {
	case !exists:
		evType = model.EventRemove
	case !had:
		evType = model.EventNew
	}
	r.emit(RosterEvent{Type: evType, Handle: h})
}

// Lookup returns the tracked Handle for (kind, path), using the
// cuckoofilter to fast-reject objects the roster has never seen before
// touching the map.
func (r *Roster) Lookup(kind model.ObjectKind, path string) (*Handle, bool) {
	k := key(kind, path)
	if !r.seen.Lookup([]byte(k)) {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.objects[k]
	return h, ok
}

// Snapshot returns every currently-tracked Handle.
func (r *Roster) Snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.objects))
	for _, h := range r.objects {
		out = append(out, h)
	}
	return out
}

func (r *Roster) emit(ev RosterEvent) {
	select {
	case r.events <- ev:
	default:
		select {
		case <-r.events:
		default:
		}
		select {
		case r.events <- ev:
		default:
			nlog.Warningf("bus: roster event channel saturated, dropping %s for %s", ev.Type, ev.Handle.Path)
		}
	}
}
