package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tgforward/internal/domain"
)

func newTestForwarder(client domain.PlatformClient) *Forwarder {
	f := NewForwarder(client, nil, zap.NewNop())
	f.baseDelay = time.Millisecond
	return f
}

func TestForwardDirectByReference(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	unit := domain.NewSingleton(msg(5, "hi"))
	out := f.Forward(context.Background(), unit, target, domain.ModeDirect)

	require.True(t, out.Success)
	assert.Equal(t, domain.ModeDirect, out.ModeUsed)
	assert.False(t, out.Downloaded)
	require.Len(t, fc.forwards, 1)
	assert.Equal(t, []int{5}, fc.forwards[0])
	assert.Len(t, out.TargetMsgIDs, 1)
}

func TestForwardCloneSingleton(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	out := f.Forward(context.Background(), domain.NewSingleton(msg(5, "hi")), target, domain.ModeClone)

	require.True(t, out.Success)
	assert.Equal(t, []int{5}, fc.copies)
	assert.Empty(t, fc.forwards)
}

func TestForwardCloneGroupAsAlbum(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	unit := domain.Unit{Messages: []domain.CandidateMessage{
		mediaMsg(10, 7, "caption"),
		mediaMsg(11, 7, ""),
	}}
	out := f.Forward(context.Background(), unit, target, domain.ModeClone)

	require.True(t, out.Success)
	require.Len(t, fc.albums, 1)
	assert.Equal(t, []int{10, 11}, fc.albums[0])
	assert.Len(t, out.TargetMsgIDs, 2)
}

func TestForwardAlbumFallsBackItemwise(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	// One failure on the album call; the itemwise fallback then succeeds.
	fc.failTransiently(11, 1)
	unit := domain.Unit{Messages: []domain.CandidateMessage{
		mediaMsg(10, 7, "caption"),
		mediaMsg(11, 7, ""),
	}}
	out := f.Forward(context.Background(), unit, target, domain.ModeClone)

	require.True(t, out.Success)
	assert.Equal(t, []int{10, 11}, fc.copies)
	assert.Len(t, out.TargetMsgIDs, 2)
}

func TestForwardRestrictedGoesDownloadUpload(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	m := mediaMsg(5, 0, "caption")
	m.Restricted = true
	out := f.Forward(context.Background(), domain.NewSingleton(m), target, domain.ModeClone)

	require.True(t, out.Success)
	assert.True(t, out.Downloaded)
	assert.Equal(t, []int{5}, fc.downloads)
	assert.Len(t, fc.uploads, 1)
	assert.Empty(t, fc.copies)
	assert.Empty(t, fc.forwards)
}

func TestForwardRestrictedEvenInDirectMode(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	m := mediaMsg(5, 0, "")
	m.Restricted = true
	out := f.Forward(context.Background(), domain.NewSingleton(m), target, domain.ModeDirect)

	require.True(t, out.Success)
	assert.True(t, out.Downloaded)
	assert.Empty(t, fc.forwards)
}

func TestForwardRestrictedGroupRelaysEveryItem(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	a := mediaMsg(10, 7, "caption")
	b := mediaMsg(11, 7, "")
	a.Restricted = true
	unit := domain.Unit{Messages: []domain.CandidateMessage{a, b}}
	out := f.Forward(context.Background(), unit, target, domain.ModeClone)

	require.True(t, out.Success)
	assert.Equal(t, []int{10, 11}, fc.downloads)
	assert.Len(t, fc.uploads, 2)
}

func TestForwardRetriesTransientThenSucceeds(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	fc.failTransiently(5, 2)
	out := f.Forward(context.Background(), domain.NewSingleton(msg(5, "hi")), target, domain.ModeClone)

	require.True(t, out.Success)
	assert.Equal(t, []int{5}, fc.copies)
}

func TestForwardTransientExhaustsRetries(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	fc.failTransiently(5, 10)
	out := f.Forward(context.Background(), domain.NewSingleton(msg(5, "hi")), target, domain.ModeClone)

	require.False(t, out.Success)
	assert.True(t, domain.IsTransient(out.Err))
}

func TestForwardDoesNotRetryTerminalErrors(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	fc.failWith(5, &domain.TargetRejectedError{Reason: "banned"})
	out := f.Forward(context.Background(), domain.NewSingleton(msg(5, "hi")), target, domain.ModeClone)

	require.False(t, out.Success)
	var rejected *domain.TargetRejectedError
	assert.ErrorAs(t, out.Err, &rejected)
	assert.Equal(t, 0, fc.forwardCalls())
}

func TestForwardContentUnavailablePropagates(t *testing.T) {
	fc := newFakeClient()
	target := fc.addChat("@dst", domain.ChatRef{ID: 2})
	f := newTestForwarder(fc)

	fc.failWith(5, domain.ErrContentUnavailable)
	out := f.Forward(context.Background(), domain.NewSingleton(msg(5, "hi")), target, domain.ModeClone)

	require.False(t, out.Success)
	assert.True(t, errors.Is(out.Err, domain.ErrContentUnavailable))
}
