package engine

import "sync"

// lane serializes ordered tasks that share a ConcurrencyKey.
//
// Submitters reserve a sequence number before pushing to the shared queue.
// Workers may dequeue a lane's tasks out of order; a task whose turn has not
// come yet is parked and handed out by finish/skip once its predecessors are
// done.
type lane struct {
	next    uint64 // next sequence number handed to a submitter
	turn    uint64 // sequence number allowed to run next
	running bool
	parked  map[uint64]queuedTask
	skipped map[uint64]struct{}
}

type laneSet struct {
	mu sync.Mutex
	m  map[string]*lane
}

func (ls *laneSet) reserve(key string) uint64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.m == nil {
		ls.m = make(map[string]*lane)
	}
	l := ls.m[key]
	if l == nil {
		l = &lane{parked: map[uint64]queuedTask{}, skipped: map[uint64]struct{}{}}
		ls.m[key] = l
	}
	seq := l.next
	l.next++
	return seq
}

// arrive reports whether qt may run now. Otherwise qt is parked.
func (ls *laneSet) arrive(qt queuedTask) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l := ls.m[qt.key]
	if l == nil {
		return true
	}
	if l.running || qt.seq != l.turn {
		l.parked[qt.seq] = qt
		return false
	}
	l.running = true
	return true
}

// finish marks the running task done and returns the next task that may run.
func (ls *laneSet) finish(key string, seq uint64) (queuedTask, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l := ls.m[key]
	if l == nil {
		return queuedTask{}, false
	}
	if seq == l.turn {
		l.turn++
	}
	l.running = false
	return ls.advanceLocked(key, l)
}

// skip releases a reserved sequence number that will never be queued.
func (ls *laneSet) skip(key string, seq uint64) (queuedTask, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l := ls.m[key]
	if l == nil {
		return queuedTask{}, false
	}
	l.skipped[seq] = struct{}{}
	return ls.advanceLocked(key, l)
}

func (ls *laneSet) advanceLocked(key string, l *lane) (queuedTask, bool) {
	for {
		if _, ok := l.skipped[l.turn]; !ok {
			break
		}
		delete(l.skipped, l.turn)
		l.turn++
	}
	if l.running {
		return queuedTask{}, false
	}
	if qt, ok := l.parked[l.turn]; ok {
		delete(l.parked, l.turn)
		l.running = true
		return qt, true
	}
	if l.turn == l.next && len(l.parked) == 0 {
		delete(ls.m, key)
	}
	return queuedTask{}, false
}

// reset drops every lane and returns the tasks that were parked.
func (ls *laneSet) reset() []queuedTask {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	var out []queuedTask
	for _, l := range ls.m {
		for _, qt := range l.parked {
			out = append(out, qt)
		}
	}
	ls.m = nil
	return out
}

func (ls *laneSet) stats() (active, backlog int) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, l := range ls.m {
		active++
		backlog += int(l.next - l.turn)
	}
	return active, backlog
}
