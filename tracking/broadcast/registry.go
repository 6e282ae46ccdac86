package broadcast

import (
	"sort"
	"sync"
)

// room is the member set of one session code.
type room struct {
	mu      sync.RWMutex
	members map[string]Channel
	// closed is set when the room was emptied and removed from the index.
	// A joiner holding a stale pointer must retry against a fresh room.
	closed bool
}

// membership is the set of codes one channel has joined.
type membership struct {
	mu     sync.Mutex
	codes  map[string]struct{}
	closed bool
}

// Registry maps session codes to the channels subscribed to them.
//
// Locking is per code (room) and per channel (membership); there is no lock
// spanning all codes. Lock order is membership, then room.
type Registry struct {
	rooms  sync.Map // code -> *room
	joined sync.Map // channel ID -> *membership
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Join subscribes ch to code. Joining twice has no additional effect.
func (r *Registry) Join(code string, ch Channel) {
	if code == "" || ch == nil {
		return
	}

	id := ch.ID()
	for {
		v, _ := r.joined.LoadOrStore(id, &membership{codes: make(map[string]struct{})})
		m := v.(*membership)

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			continue
		}
		if _, ok := m.codes[code]; !ok {
			r.addToRoom(code, ch)
			m.codes[code] = struct{}{}
		}
		m.mu.Unlock()
		return
	}
}

// Leave removes ch from code. Unknown pairs are ignored.
func (r *Registry) Leave(code string, ch Channel) {
	if ch == nil {
		return
	}

	id := ch.ID()
	v, ok := r.joined.Load(id)
	if !ok {
		return
	}
	m := v.(*membership)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if _, ok := m.codes[code]; !ok {
		return
	}
	delete(m.codes, code)
	r.removeFromRoom(code, id)

	if len(m.codes) == 0 {
		m.closed = true
		r.joined.CompareAndDelete(id, m)
	}
}

// LeaveAll removes ch from every code it joined and returns those codes.
func (r *Registry) LeaveAll(ch Channel) []string {
	if ch == nil {
		return nil
	}

	id := ch.ID()
	v, ok := r.joined.Load(id)
	if !ok {
		return nil
	}
	m := v.(*membership)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	left := make([]string, 0, len(m.codes))
	for code := range m.codes {
		r.removeFromRoom(code, id)
		left = append(left, code)
	}
	m.codes = nil
	m.closed = true
	r.joined.CompareAndDelete(id, m)

	sort.Strings(left)
	return left
}

// MembersOf returns a snapshot of the channels joined to code.
func (r *Registry) MembersOf(code string) []Channel {
	v, ok := r.rooms.Load(code)
	if !ok {
		return nil
	}
	rm := v.(*room)

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	members := make([]Channel, 0, len(rm.members))
	for _, ch := range rm.members {
		members = append(members, ch)
	}
	return members
}

// Count returns the number of channels joined to code.
func (r *Registry) Count(code string) int {
	v, ok := r.rooms.Load(code)
	if !ok {
		return 0
	}
	rm := v.(*room)

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// Rooms returns the codes ch is joined to, sorted.
func (r *Registry) Rooms(ch Channel) []string {
	if ch == nil {
		return nil
	}
	v, ok := r.joined.Load(ch.ID())
	if !ok {
		return nil
	}
	m := v.(*membership)

	m.mu.Lock()
	defer m.mu.Unlock()

	codes := make([]string, 0, len(m.codes))
	for code := range m.codes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (r *Registry) addToRoom(code string, ch Channel) {
	for {
		v, ok := r.rooms.Load(code)
		if !ok {
			v, _ = r.rooms.LoadOrStore(code, &room{members: make(map[string]Channel)})
		}
		rm := v.(*room)

		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		rm.members[ch.ID()] = ch
		rm.mu.Unlock()
		return
	}
}

func (r *Registry) removeFromRoom(code, id string) {
	v, ok := r.rooms.Load(code)
	if !ok {
		return
	}
	rm := v.(*room)

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.members, id)
	if len(rm.members) == 0 && !rm.closed {
		rm.closed = true
		r.rooms.CompareAndDelete(code, rm)
	}
}
