package usecase

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"tgforward/internal/domain"
)

// MessageLink is a parsed t.me message link.
type MessageLink struct {
	ChatRef string // "@username" or channel id string
	MsgID   int
}

// ParseMessageLink parses the public and private t.me message link forms:
//
//	https://t.me/<username>/<msg_id>
//	https://t.me/c/<internal_id>/<msg_id>
func ParseMessageLink(link string) (MessageLink, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return MessageLink{}, fmt.Errorf("parse link %q: %w", link, err)
	}
	if u.Host != "t.me" && u.Host != "telegram.me" {
		return MessageLink{}, fmt.Errorf("not a message link: %q", link)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "c":
		msgID, err := strconv.Atoi(parts[2])
		if err != nil {
			return MessageLink{}, fmt.Errorf("bad message id in %q", link)
		}
		return MessageLink{ChatRef: parts[1], MsgID: msgID}, nil
	case len(parts) == 2:
		msgID, err := strconv.Atoi(parts[1])
		if err != nil {
			return MessageLink{}, fmt.Errorf("bad message id in %q", link)
		}
		return MessageLink{ChatRef: "@" + parts[0], MsgID: msgID}, nil
	default:
		return MessageLink{}, fmt.Errorf("unsupported link form: %q", link)
	}
}

// Trigger executes ad hoc forwards outside the rule cadence. It shares the
// forwarder with the watcher but touches no sync state.
type Trigger struct {
	client domain.PlatformClient
	fwd    *Forwarder
	clock  domain.Clock
	log    *zap.Logger
}

func NewTrigger(client domain.PlatformClient, fwd *Forwarder, clock domain.Clock, log *zap.Logger) *Trigger {
	return &Trigger{client: client, fwd: fwd, clock: clock, log: log}
}

// Forward relays the linked messages to dest. With detectAlbum set, linked
// messages sharing a media group are forwarded as one unit.
func (t *Trigger) Forward(ctx context.Context, links []string, dest string, mode domain.ForwardMode, detectAlbum bool) ([]domain.ForwardOutcome, error) {
	target, err := t.client.ResolveChat(ctx, dest)
	if err != nil {
		return nil, err
	}

	// Group link ids per chat so one fetch covers a whole album.
	byChat := make(map[string][]int)
	var chatOrder []string
	for _, link := range links {
		parsed, err := ParseMessageLink(link)
		if err != nil {
			return nil, err
		}
		if _, seen := byChat[parsed.ChatRef]; !seen {
			chatOrder = append(chatOrder, parsed.ChatRef)
		}
		byChat[parsed.ChatRef] = append(byChat[parsed.ChatRef], parsed.MsgID)
	}

	var outcomes []domain.ForwardOutcome
	for _, chatRef := range chatOrder {
		source, err := t.client.ResolveChat(ctx, chatRef)
		if err != nil {
			return outcomes, err
		}
		msgs, err := t.client.GetMessages(ctx, source, byChat[chatRef])
		if err != nil {
			return outcomes, err
		}
		if len(msgs) == 0 {
			outcomes = append(outcomes, domain.ForwardOutcome{
				SourceMsgID: byChat[chatRef][0],
				Err:         domain.ErrContentUnavailable,
			})
			continue
		}

		for _, unit := range t.assemble(msgs, detectAlbum) {
			outcome := t.fwd.Forward(ctx, unit, target, mode)
			outcomes = append(outcomes, outcome)
			if outcome.Err != nil {
				t.log.Warn("ad hoc forward failed",
					zap.Int("msg_id", outcome.SourceMsgID), zap.Error(outcome.Err))
			}
		}
	}
	return outcomes, nil
}

func (t *Trigger) assemble(msgs []domain.CandidateMessage, detectAlbum bool) []domain.Unit {
	asm := NewAssembler(t.clock, DefaultQuietWindow, detectAlbum)
	var units []domain.Unit
	for _, m := range msgs {
		units = append(units, asm.Observe(m)...)
	}
	units = append(units, asm.Flush()...)
	return sortUnits(units)
}
