package usecase

import (
	"sort"
	"time"

	"tgforward/internal/domain"
)

// maxGroupSize caps a media group; the platform never groups more than 10
// items into one album.
const maxGroupSize = 10

// DefaultQuietWindow is how long the assembler waits for further siblings of
// a media group before considering it complete.
const DefaultQuietWindow = 3 * time.Second

type pendingGroup struct {
	groupID   int64
	messages  []domain.CandidateMessage
	firstSeen time.Time
	lastSeen  time.Time
}

// Assembler buffers messages that belong to one multi-item post so the
// filter and forwarder see the post as a single unit. A group is complete
// when no new sibling arrives within the quiet window, when it reaches the
// size cap, or when the fetch batch is exhausted (Flush). Each group is
// emitted at most once.
type Assembler struct {
	clock       domain.Clock
	quiet       time.Duration
	detectAlbum bool

	pending map[int64]*pendingGroup
	emitted map[int64]struct{}
}

// NewAssembler creates an assembler. With detectAlbum false every message is
// treated as a standalone singleton regardless of its group id.
func NewAssembler(clock domain.Clock, quiet time.Duration, detectAlbum bool) *Assembler {
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	return &Assembler{
		clock:       clock,
		quiet:       quiet,
		detectAlbum: detectAlbum,
		pending:     make(map[int64]*pendingGroup),
		emitted:     make(map[int64]struct{}),
	}
}

// Observe feeds one message and returns the units that became ready: any
// pending groups whose quiet window elapsed, plus the message itself when it
// is a singleton.
func (a *Assembler) Observe(msg domain.CandidateMessage) []domain.Unit {
	now := a.clock.Now()
	ready := a.expire(now)

	if msg.GroupID == 0 || !a.detectAlbum {
		ready = append(ready, domain.NewSingleton(msg))
		return sortUnits(ready)
	}

	if _, done := a.emitted[msg.GroupID]; done {
		// Late straggler of an already-emitted group: forward standalone
		// rather than dropping it.
		ready = append(ready, domain.NewSingleton(msg))
		return sortUnits(ready)
	}

	g, ok := a.pending[msg.GroupID]
	if !ok {
		g = &pendingGroup{groupID: msg.GroupID, firstSeen: now}
		a.pending[msg.GroupID] = g
	}
	g.messages = append(g.messages, msg)
	g.lastSeen = now

	if len(g.messages) >= maxGroupSize {
		ready = append(ready, a.emit(g))
	}
	return sortUnits(ready)
}

// Flush completes all pending groups, regardless of quiet window. Called at
// the end of a fetch batch.
func (a *Assembler) Flush() []domain.Unit {
	var ready []domain.Unit
	for _, g := range a.pending {
		ready = append(ready, a.emit(g))
	}
	return sortUnits(ready)
}

// PendingGroups returns the ids of groups still buffering.
func (a *Assembler) PendingGroups() []int64 {
	ids := make([]int64, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (a *Assembler) expire(now time.Time) []domain.Unit {
	var ready []domain.Unit
	for _, g := range a.pending {
		if now.Sub(g.lastSeen) >= a.quiet {
			ready = append(ready, a.emit(g))
		}
	}
	return ready
}

func (a *Assembler) emit(g *pendingGroup) domain.Unit {
	delete(a.pending, g.groupID)
	a.emitted[g.groupID] = struct{}{}
	msgs := g.messages
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return domain.Unit{Messages: msgs}
}

func sortUnits(units []domain.Unit) []domain.Unit {
	sort.Slice(units, func(i, j int) bool {
		return units[i].Messages[0].ID < units[j].Messages[0].ID
	})
	return units
}
