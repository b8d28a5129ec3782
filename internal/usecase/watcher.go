package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tgforward/internal/domain"
	"tgforward/internal/pkg/filter"
)

// WatcherConfig holds the scheduler's tunables.
type WatcherConfig struct {
	Namespace       string
	PageSize        int           // max messages fetched per cycle
	QuietWindow     time.Duration // media group completion window
	PollInterval    time.Duration // scheduler tick
	RuleConcurrency int           // rules synced in parallel
	Pacing          time.Duration // delay between units within a cycle
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.QuietWindow <= 0 {
		c.QuietWindow = DefaultQuietWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.RuleConcurrency <= 0 {
		c.RuleConcurrency = 4
	}
	return c
}

// ruleRuntime is the in-memory per-rule state the scheduler keeps between
// cycles: the execution lock, the flood-wait pause, and the configuration
// kill switch.
type ruleRuntime struct {
	mu          sync.Mutex
	pausedUntil time.Time
	disabled    bool
	disabledAsOf time.Time // rule.UpdatedAt when disabled; an edit re-arms it
}

// Watcher drives all enabled rules to convergence with their sources on a
// per-rule cadence. It owns SyncState exclusively; no other component writes
// anchors.
type Watcher struct {
	store    domain.RuleStore
	client   domain.PlatformClient
	fwd      *Forwarder
	clock    domain.Clock
	log      *zap.Logger
	cfg      WatcherConfig
	stopping atomic.Bool

	mu       sync.Mutex
	runtimes map[int64]*ruleRuntime
}

func NewWatcher(store domain.RuleStore, client domain.PlatformClient, fwd *Forwarder, clock domain.Clock, cfg WatcherConfig, log *zap.Logger) *Watcher {
	return &Watcher{
		store:    store,
		client:   client,
		fwd:      fwd,
		clock:    clock,
		log:      log,
		cfg:      cfg.withDefaults(),
		runtimes: make(map[int64]*ruleRuntime),
	}
}

// Run is the continuous-loop entry point. It ticks on the poll interval and
// syncs every due rule. Storage failures are fatal; everything else is
// contained per rule. On context cancellation the current cycle finishes its
// in-flight unit and commits before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	// Cancellation must not kill a forward mid-flight, or the anchor could
	// advance past a message never delivered. Cycles run on a detached
	// context and observe the stopping flag at unit boundaries.
	cycleCtx := context.WithoutCancel(ctx)
	go func() {
		<-ctx.Done()
		w.stopping.Store(true)
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.SyncDue(cycleCtx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncDue runs one pass: every enabled rule whose interval has elapsed gets
// a sync cycle, up to RuleConcurrency rules in parallel. The returned error
// is non-nil only for storage failures.
func (w *Watcher) SyncDue(ctx context.Context) ([]domain.SyncReport, error) {
	rules, err := w.store.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var (
		repMu   sync.Mutex
		reports []domain.SyncReport
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.RuleConcurrency)

	for _, rule := range rules {
		rule := rule
		due, err := w.ruleDue(ctx, &rule)
		if err != nil {
			return nil, err
		}
		if !due {
			continue
		}
		g.Go(func() error {
			rep, err := w.SyncRule(gCtx, &rule)
			if err != nil {
				return err
			}
			repMu.Lock()
			reports = append(reports, rep)
			repMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

func (w *Watcher) ruleDue(ctx context.Context, rule *domain.Rule) (bool, error) {
	state, err := w.store.GetState(ctx, rule.ID, w.cfg.Namespace)
	if err != nil {
		return false, fmt.Errorf("get state for rule %q: %w", rule.Name, err)
	}
	if state == nil || state.LastSyncAt.IsZero() {
		return true, nil
	}
	interval := time.Duration(rule.IntervalMin) * time.Minute
	return w.clock.Now().Sub(state.LastSyncAt) >= interval, nil
}

// SyncRule runs one sync cycle for a rule: fetch since the anchor, assemble
// groups, filter, forward, commit. Also the entry point for an ad hoc
// "sync now" from the management layer. The returned error is non-nil only
// for storage failures; per-cycle trouble lands in the report.
func (w *Watcher) SyncRule(ctx context.Context, rule *domain.Rule) (domain.SyncReport, error) {
	rep := domain.SyncReport{RuleName: rule.Name}
	rt := w.runtime(rule.ID)

	// A slow cycle must not overlap the next tick for the same rule.
	if !rt.mu.TryLock() {
		w.log.Debug("cycle still running, skipping tick", zap.String("rule", rule.Name))
		return rep, nil
	}
	defer rt.mu.Unlock()

	now := w.clock.Now()
	if rt.disabled {
		if !rule.UpdatedAt.After(rt.disabledAsOf) {
			rep.Err = fmt.Errorf("rule disabled after configuration error; edit the rule to re-enable")
			return rep, nil
		}
		rt.disabled = false
	}
	if now.Before(rt.pausedUntil) {
		w.log.Debug("rule paused by flood wait",
			zap.String("rule", rule.Name), zap.Time("until", rt.pausedUntil))
		return rep, nil
	}

	state, err := w.store.GetState(ctx, rule.ID, w.cfg.Namespace)
	if err != nil {
		return rep, fmt.Errorf("get state for rule %q: %w", rule.Name, err)
	}
	anchor := 0
	if state != nil {
		anchor = state.LastMsgID
	}

	source, target, err := w.resolveChats(ctx, rule)
	if err != nil {
		if domain.IsConfiguration(err) {
			rt.disabled = true
			rt.disabledAsOf = rule.UpdatedAt
			w.log.Error("rule disabled until corrected", zap.String("rule", rule.Name), zap.Error(err))
		}
		rep.Err = err
		return rep, nil
	}

	// First sync: initialize the anchor to the source head without
	// backfilling history.
	if anchor == 0 {
		head, err := w.client.LatestMessageID(ctx, source)
		if err != nil {
			rep.Err = w.notePlatformError(rt, rule, err)
			return rep, nil
		}
		if err := w.store.CommitState(ctx, rule.ID, w.cfg.Namespace, head, 0); err != nil {
			return rep, fmt.Errorf("commit initial state for rule %q: %w", rule.Name, err)
		}
		rep.NewLastMsgID = head
		w.log.Info("rule initialized to source head",
			zap.String("rule", rule.Name), zap.Int("last_msg_id", head))
		return rep, nil
	}

	msgs, err := w.client.ListMessages(ctx, source, anchor, w.cfg.PageSize)
	if err != nil {
		rep.Err = w.notePlatformError(rt, rule, err)
		// Commit the unchanged anchor so the failing rule waits out its
		// interval instead of hammering the source every tick.
		if cErr := w.store.CommitState(ctx, rule.ID, w.cfg.Namespace, anchor, 0); cErr != nil {
			return rep, fmt.Errorf("commit state for rule %q: %w", rule.Name, cErr)
		}
		return rep, nil
	}
	rep.MessagesFound = len(msgs)

	units := w.assemble(rule, msgs)
	spec := filter.Parse(rule.FilterSpec)

	anchor, delta := w.processUnits(ctx, rt, rule, units, spec, target, &rep, anchor)

	if err := w.store.CommitState(ctx, rule.ID, w.cfg.Namespace, anchor, delta); err != nil {
		return rep, fmt.Errorf("commit state for rule %q: %w", rule.Name, err)
	}
	rep.NewLastMsgID = anchor

	if rep.UnitsForwarded > 0 || rep.UnitsFailed > 0 {
		w.log.Info("sync cycle finished",
			zap.String("rule", rule.Name),
			zap.Int("found", rep.MessagesFound),
			zap.Int("forwarded_units", rep.UnitsForwarded),
			zap.Int("failed_units", rep.UnitsFailed),
			zap.Int("last_msg_id", anchor))
	}
	return rep, nil
}

// processUnits forwards ready units oldest-first. Every unit that resolves
// (forwarded or deliberately skipped) is marked; the committed anchor is then
// the highest id covered only by resolved units, so a group whose id range
// straddles a failed or unattempted message can never carry the anchor past
// that message.
func (w *Watcher) processUnits(
	ctx context.Context,
	rt *ruleRuntime,
	rule *domain.Rule,
	units []domain.Unit,
	spec filter.Spec,
	target domain.ChatRef,
	rep *domain.SyncReport,
	anchor int,
) (int, int) {
	delta := 0
	resolved := make([]bool, len(units))

	for i, unit := range units {
		if w.stopping.Load() {
			break
		}

		text := unit.Text()
		if !spec.Matches(text, text != "", rule.MediaPassthrough) {
			// Deliberate skip resolves the unit.
			resolved[i] = true
			continue
		}

		outcome := w.fwd.Forward(ctx, unit, target, rule.Mode)
		if outcome.Success {
			rep.UnitsForwarded++
			rep.MessagesForwarded += len(unit.Messages)
			delta += len(unit.Messages)
			resolved[i] = true
		} else {
			switch {
			case isRateLimited(outcome.Err):
				wait, _ := domain.AsRateLimited(outcome.Err)
				rt.pausedUntil = w.clock.Now().Add(wait)
				w.log.Warn("flood wait, pausing rule",
					zap.String("rule", rule.Name), zap.Duration("wait", wait))
				return safeAnchor(anchor, units, resolved), delta
			case errors.Is(outcome.Err, domain.ErrContentUnavailable):
				// Gone between fetch and forward: skip deliberately.
				resolved[i] = true
			default:
				// Terminal for this unit. Surface it, keep attempting the
				// rest of the batch; the anchor stops short of this unit.
				rep.UnitsFailed++
				w.log.Warn("unit failed, anchor pinned for manual retry",
					zap.String("rule", rule.Name),
					zap.Int("msg_id", unit.MaxID()),
					zap.Error(outcome.Err))
			}
		}

		if w.cfg.Pacing > 0 && i < len(units)-1 {
			select {
			case <-w.clock.After(w.cfg.Pacing):
			case <-ctx.Done():
				return safeAnchor(anchor, units, resolved), delta
			}
		}
	}
	return safeAnchor(anchor, units, resolved), delta
}

// safeAnchor returns the highest message id every unit up to which is
// resolved: the best resolved MaxID, capped below the first unresolved
// unit's lowest id. Units arrive sorted by their lowest id.
func safeAnchor(anchor int, units []domain.Unit, resolved []bool) int {
	best := anchor
	bound := 0
	for i, unit := range units {
		if resolved[i] {
			best = maxInt(best, unit.MaxID())
			continue
		}
		bound = unit.MinID() - 1
		break
	}
	if bound > 0 && best > bound {
		best = bound
	}
	return maxInt(anchor, best)
}

func (w *Watcher) assemble(rule *domain.Rule, msgs []domain.CandidateMessage) []domain.Unit {
	asm := NewAssembler(w.clock, w.cfg.QuietWindow, rule.DetectAlbum)
	var units []domain.Unit
	for _, m := range msgs {
		units = append(units, asm.Observe(m)...)
	}
	units = append(units, asm.Flush()...)
	return sortUnits(units)
}

func (w *Watcher) resolveChats(ctx context.Context, rule *domain.Rule) (source, target domain.ChatRef, err error) {
	source, err = w.client.ResolveChat(ctx, rule.SourceChat)
	if err != nil {
		return source, target, err
	}
	target, err = w.client.ResolveChat(ctx, rule.TargetChat)
	return source, target, err
}

// notePlatformError records a flood wait pause when err carries one and
// returns err for the report.
func (w *Watcher) notePlatformError(rt *ruleRuntime, rule *domain.Rule, err error) error {
	if wait, ok := domain.AsRateLimited(err); ok {
		rt.pausedUntil = w.clock.Now().Add(wait)
		w.log.Warn("flood wait, pausing rule",
			zap.String("rule", rule.Name), zap.Duration("wait", wait))
	}
	return err
}

func (w *Watcher) runtime(ruleID int64) *ruleRuntime {
	w.mu.Lock()
	defer w.mu.Unlock()
	rt, ok := w.runtimes[ruleID]
	if !ok {
		rt = &ruleRuntime{}
		w.runtimes[ruleID] = rt
	}
	return rt
}

func isRateLimited(err error) bool {
	_, ok := domain.AsRateLimited(err)
	return ok
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
