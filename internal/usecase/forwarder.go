package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"tgforward/internal/domain"
	"tgforward/internal/pkg/retry"
)

// Forwarder relays filtered-in units to a target chat in the configured
// mode, falling back to download+re-upload when the source forbids relay by
// reference.
type Forwarder struct {
	client     domain.PlatformClient
	log        *zap.Logger
	settings   func() domain.UploadSettings
	clock      domain.Clock
	maxRetries int
	baseDelay  time.Duration
}

// NewForwarder creates a forwarder. settings supplies the upload tunables
// snapshot for the fallback path; nil means defaults.
func NewForwarder(client domain.PlatformClient, settings func() domain.UploadSettings, log *zap.Logger) *Forwarder {
	if settings == nil {
		settings = func() domain.UploadSettings { return domain.UploadSettings{}.Normalize() }
	}
	return &Forwarder{
		client:     client,
		log:        log,
		settings:   settings,
		clock:      domain.SystemClock{},
		maxRetries: 3,
		baseDelay:  time.Second,
	}
}

// Forward relays one unit. Transient I/O failures are retried a bounded
// number of times; every other failure kind is returned as-is for the caller
// to classify.
func (f *Forwarder) Forward(ctx context.Context, unit domain.Unit, target domain.ChatRef, mode domain.ForwardMode) domain.ForwardOutcome {
	outcome := domain.ForwardOutcome{SourceMsgID: unit.MaxID(), ModeUsed: mode}

	op := func() error {
		ids, downloaded, err := f.forwardOnce(ctx, unit, target, mode)
		if err != nil {
			return err
		}
		outcome.TargetMsgIDs = ids
		outcome.Downloaded = downloaded
		return nil
	}

	err := retry.Transient(ctx, fmt.Sprintf("forward msg %d", unit.MaxID()), op, f.maxRetries, f.baseDelay, f.clock, f.log)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Success = true
	return outcome
}

func (f *Forwarder) forwardOnce(ctx context.Context, unit domain.Unit, target domain.ChatRef, mode domain.ForwardMode) (ids []int, downloaded bool, err error) {
	// Restricted sources forbid relay by reference in either mode; the only
	// route is download and fresh upload.
	if unit.Restricted() {
		ids, err = f.cloneViaDownload(ctx, unit, target)
		return ids, true, err
	}

	if mode == domain.ModeDirect {
		ids, err = f.forwardDirect(ctx, unit, target)
		return ids, false, err
	}
	ids, err = f.cloneByReference(ctx, unit, target)
	return ids, false, err
}

func (f *Forwarder) forwardDirect(ctx context.Context, unit domain.Unit, target domain.ChatRef) ([]int, error) {
	src := unit.Messages[0].Chat
	msgIDs := make([]int, len(unit.Messages))
	for i, m := range unit.Messages {
		msgIDs[i] = m.ID
	}
	return f.client.Forward(ctx, src, msgIDs, target)
}

func (f *Forwarder) cloneByReference(ctx context.Context, unit domain.Unit, target domain.ChatRef) ([]int, error) {
	if unit.IsGroup() {
		ids, err := f.client.SendAlbum(ctx, target, unit.Messages)
		if err == nil {
			return ids, nil
		}
		if errors.Is(err, domain.ErrContentUnavailable) {
			return nil, err
		}
		// Album send can fail on mixed or stale media; fall back to items in
		// original order.
		f.log.Debug("album send failed, sending items individually",
			zap.Int64("group_id", unit.Messages[0].GroupID), zap.Error(err))
		return f.cloneItemwise(ctx, unit, target)
	}

	id, err := f.client.SendCopy(ctx, target, unit.Messages[0])
	if err != nil {
		return nil, err
	}
	return []int{id}, nil
}

func (f *Forwarder) cloneItemwise(ctx context.Context, unit domain.Unit, target domain.ChatRef) ([]int, error) {
	ids := make([]int, 0, len(unit.Messages))
	for _, m := range unit.Messages {
		id, err := f.client.SendCopy(ctx, target, m)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// cloneViaDownload is the restricted-content path: pull each media item to a
// temp artifact, upload it fresh, and always clean up the artifact.
func (f *Forwarder) cloneViaDownload(ctx context.Context, unit domain.Unit, target domain.ChatRef) ([]int, error) {
	settings := f.settings()
	ids := make([]int, 0, len(unit.Messages))

	for _, m := range unit.Messages {
		if m.Media == nil {
			if m.Text == "" {
				continue
			}
			id, err := f.client.SendCopy(ctx, target, m)
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
			continue
		}

		id, err := f.relayMedia(ctx, m, target, settings)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *Forwarder) relayMedia(ctx context.Context, m domain.CandidateMessage, target domain.ChatRef, settings domain.UploadSettings) (int, error) {
	path, err := f.client.Download(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("download msg %d: %w", m.ID, err)
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			f.log.Warn("failed to remove temp artifact", zap.String("path", path), zap.Error(rmErr))
		}
	}()

	id, err := f.client.Upload(ctx, target, path, *m.Media, m.Text, settings, nil)
	if err != nil {
		return 0, fmt.Errorf("upload msg %d: %w", m.ID, err)
	}
	return id, nil
}
