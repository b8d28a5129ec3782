package telegram

import (
	"context"
	"errors"
	"net"

	"github.com/gotd/td/tgerr"

	"tgforward/internal/domain"
)

// mapError translates gotd and transport errors into the domain taxonomy.
// Unrecognized errors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &domain.RateLimitedError{RetryAfter: wait}
	}

	switch {
	case tgerr.Is(err, "MESSAGE_ID_INVALID", "MSG_ID_INVALID", "MESSAGE_IDS_EMPTY", "MESSAGE_DELETE_FORBIDDEN"):
		return domain.ErrContentUnavailable

	case tgerr.Is(err,
		"CHAT_WRITE_FORBIDDEN",
		"CHAT_ADMIN_REQUIRED",
		"CHAT_SEND_MEDIA_FORBIDDEN",
		"CHAT_SEND_PHOTOS_FORBIDDEN",
		"CHAT_SEND_VIDEOS_FORBIDDEN",
		"CHAT_SEND_DOCS_FORBIDDEN",
		"USER_BANNED_IN_CHANNEL",
		"CHAT_RESTRICTED"):
		return &domain.TargetRejectedError{Reason: err.Error()}

	case tgerr.Is(err, "PEER_ID_INVALID", "CHANNEL_INVALID", "CHANNEL_PRIVATE", "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID"):
		// Left as-is for ResolveChat to wrap; mid-sync it means access was
		// lost, which reads the same as a configuration problem.
		return err

	// Stale file references are refreshed by refetching the source message,
	// which the retry path does.
	case tgerr.Is(err, "FILE_REFERENCE_EXPIRED", "FILE_REFERENCE_INVALID", "TIMEOUT"):
		return &domain.TransientIOError{Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &domain.TransientIOError{Err: err}
	}
	return err
}
