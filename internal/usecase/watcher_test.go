package usecase

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gotd/neo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tgforward/internal/adapter/sqlite"
	"tgforward/internal/domain"
)

type watchEnv struct {
	store   *sqlite.Store
	client  *fakeClient
	watcher *Watcher
	clock   *neo.Time
	rule    *domain.Rule
	source  domain.ChatRef
}

func newWatchEnv(t *testing.T) *watchEnv {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "watch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fc := newFakeClient()
	source := fc.addChat("@src", domain.ChatRef{ID: 1})
	fc.addChat("@dst", domain.ChatRef{ID: 2})

	rule := &domain.Rule{
		Name:        "news",
		SourceChat:  "@src",
		TargetChat:  "@dst",
		Mode:        domain.ModeClone,
		IntervalMin: 30,
		DetectAlbum: true,
		Enabled:     true,
	}
	require.NoError(t, store.CreateRule(context.Background(), rule))

	clock := neo.NewTime(time.Now())
	fwd := NewForwarder(fc, nil, zap.NewNop())
	fwd.baseDelay = time.Millisecond

	w := NewWatcher(store, fc, fwd, clock, WatcherConfig{
		QuietWindow: time.Second,
	}, zap.NewNop())

	return &watchEnv{store: store, client: fc, watcher: w, clock: clock, rule: rule, source: source}
}

func (e *watchEnv) state(t *testing.T) *domain.SyncState {
	t.Helper()
	st, err := e.store.GetState(context.Background(), e.rule.ID, "default")
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func (e *watchEnv) anchorAt(t *testing.T, id int) {
	t.Helper()
	require.NoError(t, e.store.CommitState(context.Background(), e.rule.ID, "default", id, 0))
}

func TestFirstSyncInitializesAnchorToHead(t *testing.T) {
	e := newWatchEnv(t)
	e.client.addMessages(e.source, msg(41, "old"), msg(42, "old too"))

	rep, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)
	require.NoError(t, rep.Err)

	assert.Equal(t, 42, rep.NewLastMsgID)
	assert.Zero(t, rep.UnitsForwarded)
	assert.Equal(t, 0, e.client.forwardCalls())
	assert.Equal(t, 42, e.state(t).LastMsgID)
}

func TestSyncForwardsSingletonAndGroup(t *testing.T) {
	e := newWatchEnv(t)
	e.anchorAt(t, 100)
	e.client.addMessages(e.source,
		msg(101, "hello"),
		mediaMsg(102, 7, "album caption"),
		mediaMsg(103, 7, ""),
	)

	rep, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)
	require.NoError(t, rep.Err)

	assert.Equal(t, 3, rep.MessagesFound)
	assert.Equal(t, 2, rep.UnitsForwarded)
	assert.Equal(t, 3, rep.MessagesForwarded)
	assert.Equal(t, 103, rep.NewLastMsgID)

	require.Len(t, e.client.albums, 1)
	assert.Equal(t, []int{102, 103}, e.client.albums[0])
	assert.Equal(t, []int{101}, e.client.copies)

	st := e.state(t)
	assert.Equal(t, 103, st.LastMsgID)
	assert.Equal(t, 3, st.TotalForwarded)
}

func TestSyncIsIdempotent(t *testing.T) {
	e := newWatchEnv(t)
	e.anchorAt(t, 100)
	e.client.addMessages(e.source, msg(101, "hello"))

	_, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)
	calls := e.client.forwardCalls()

	rep, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)

	assert.Zero(t, rep.MessagesFound)
	assert.Equal(t, calls, e.client.forwardCalls())
	assert.Equal(t, 101, e.state(t).LastMsgID)
}

func TestSyncFilterDropAdvancesAnchor(t *testing.T) {
	e := newWatchEnv(t)
	e.rule.FilterSpec = "!广告"
	require.NoError(t, e.store.UpdateRule(context.Background(), e.rule))
	e.anchorAt(t, 100)
	e.client.addMessages(e.source, msg(101, "这是广告内容"), msg(102, "正文"))

	rep, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)
	require.NoError(t, rep.Err)

	assert.Equal(t, 1, rep.UnitsForwarded)
	assert.Equal(t, []int{102}, e.client.copies)

	st := e.state(t)
	assert.Equal(t, 102, st.LastMsgID)
	assert.Equal(t, 1, st.TotalForwarded)
}

func TestSyncPartialFailurePinsAnchor(t *testing.T) {
	e := newWatchEnv(t)
	e.anchorAt(t, 100)
	e.client.addMessages(e.source,
		msg(101, "poisoned"),
		mediaMsg(102, 7, "fine"),
		mediaMsg(103, 7, ""),
	)
	e.client.failWith(101, &domain.TargetRejectedError{Reason: "media forbidden"})

	rep, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)

	// Later units still got their attempt, but the anchor stays put so 101
	// is retried next cycle.
	assert.Equal(t, 1, rep.UnitsFailed)
	assert.Equal(t, 1, rep.UnitsForwarded)
	st := e.state(t)
	assert.Equal(t, 100, st.LastMsgID)
	assert.Equal(t, 2, st.TotalForwarded)
}

func TestSyncGroupStraddlingFailedMessageCapsAnchor(t *testing.T) {
	e := newWatchEnv(t)
	e.anchorAt(t, 100)
	e.client.addMessages(e.source,
		mediaMsg(101, 7, "album caption"),
		msg(102, "poisoned"),
		mediaMsg(103, 7, ""),
	)
	e.client.failWith(102, &domain.TargetRejectedError{Reason: "text forbidden"})

	rep, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)

	// The group {101,103} forwarded, but its high id must not carry the
	// anchor past the failed 102.
	assert.Equal(t, 1, rep.UnitsForwarded)
	assert.Equal(t, 1, rep.UnitsFailed)
	require.Len(t, e.client.albums, 1)
	assert.Equal(t, []int{101, 103}, e.client.albums[0])

	st := e.state(t)
	assert.Equal(t, 101, st.LastMsgID)
	assert.Equal(t, 2, st.TotalForwarded)
}

func TestSyncFloodWaitDoesNotAdvancePastUnattempted(t *testing.T) {
	e := newWatchEnv(t)
	e.anchorAt(t, 100)
	e.client.addMessages(e.source,
		mediaMsg(101, 7, "album caption"),
		msg(102, "rate limited"),
		mediaMsg(103, 7, ""),
	)
	e.client.failWith(102, &domain.RateLimitedError{RetryAfter: 5 * time.Minute})

	rep, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)

	// The cycle stops at the flood wait; 102 remains unresolved, so the
	// anchor stops just short of it even though the group reached 103.
	assert.Equal(t, 1, rep.UnitsForwarded)
	assert.Equal(t, 101, e.state(t).LastMsgID)
}

func TestSyncPacingWaitsOnInjectedClock(t *testing.T) {
	e := newWatchEnv(t)
	e.watcher.cfg.Pacing = time.Minute
	e.anchorAt(t, 100)
	e.client.addMessages(e.source, msg(101, "one"), msg(102, "two"))

	type result struct {
		rep domain.SyncReport
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := e.watcher.SyncRule(context.Background(), e.rule)
		done <- result{rep, err}
	}()

	// The first unit goes out immediately; the second parks on the pacing
	// timer until the fake clock advances.
	require.Eventually(t, func() bool { return e.client.forwardCalls() == 1 },
		time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("cycle finished without waiting out the pacing delay")
	case <-time.After(50 * time.Millisecond):
	}

	var r result
	require.Eventually(t, func() bool {
		e.clock.Travel(time.Minute)
		select {
		case r = <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.err)
	require.NoError(t, r.rep.Err)
	assert.Equal(t, 2, r.rep.UnitsForwarded)
	assert.Equal(t, 102, e.state(t).LastMsgID)
}

func TestSyncContentUnavailableSkipsAndAdvances(t *testing.T) {
	e := newWatchEnv(t)
	e.anchorAt(t, 100)
	e.client.addMessages(e.source, msg(101, "deleted meanwhile"), msg(102, "fine"))
	e.client.failWith(101, domain.ErrContentUnavailable)

	rep, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)

	assert.Zero(t, rep.UnitsFailed)
	assert.Equal(t, 1, rep.UnitsForwarded)
	assert.Equal(t, 102, e.state(t).LastMsgID)
}

func TestSyncFloodWaitPausesRule(t *testing.T) {
	e := newWatchEnv(t)
	e.anchorAt(t, 100)
	e.client.addMessages(e.source, msg(101, "hello"))
	e.client.failWith(101, &domain.RateLimitedError{RetryAfter: 5 * time.Minute})

	rep, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)
	assert.Zero(t, rep.UnitsForwarded)
	assert.Equal(t, 100, e.state(t).LastMsgID)

	// While paused the rule does nothing, without error noise.
	rep, err = e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)
	assert.Zero(t, rep.MessagesFound)

	// Pause over: the same message goes through.
	e.client.clearFail(101)
	e.clock.Travel(6 * time.Minute)
	rep, err = e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.UnitsForwarded)
	assert.Equal(t, 101, e.state(t).LastMsgID)
}

func TestSyncConfigurationErrorDisablesRule(t *testing.T) {
	e := newWatchEnv(t)
	e.anchorAt(t, 100)
	e.rule.SourceChat = "@nowhere"

	rep, err := e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)
	assert.True(t, domain.IsConfiguration(rep.Err))

	// Further ticks refuse to touch the platform until the rule is edited.
	rep, err = e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)
	require.Error(t, rep.Err)
	assert.Contains(t, rep.Err.Error(), "disabled")

	// An edit re-arms it.
	e.rule.SourceChat = "@src"
	e.rule.UpdatedAt = e.clock.Now().Add(time.Minute)
	e.client.addMessages(e.source, msg(101, "hello"))
	rep, err = e.watcher.SyncRule(context.Background(), e.rule)
	require.NoError(t, err)
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.UnitsForwarded)
}

func TestSyncDueHonorsInterval(t *testing.T) {
	e := newWatchEnv(t)
	e.client.addMessages(e.source, msg(50, "head"))

	// First pass initializes the anchor.
	reports, err := e.watcher.SyncDue(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 50, e.state(t).LastMsgID)

	// Not due yet.
	reports, err = e.watcher.SyncDue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reports)

	// Due after the interval elapses.
	e.clock.Travel(31 * time.Minute)
	e.client.addMessages(e.source, msg(51, "fresh"))
	reports, err = e.watcher.SyncDue(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 51, e.state(t).LastMsgID)
}

func TestSyncDisabledRuleIgnored(t *testing.T) {
	e := newWatchEnv(t)
	e.rule.Enabled = false
	require.NoError(t, e.store.UpdateRule(context.Background(), e.rule))
	e.client.addMessages(e.source, msg(50, "head"))

	reports, err := e.watcher.SyncDue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Equal(t, 0, e.client.forwardCalls())
}
