package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"

	"tgforward/internal/domain"
)

// ResolveChat turns "me", "@username", a bare username, or a numeric chat id
// (Bot-API style -100... ids included) into a usable ChatRef. Failures are
// configuration errors: the reference is wrong or the account cannot see the
// chat.
func (c *Client) ResolveChat(ctx context.Context, ref string) (domain.ChatRef, error) {
	key := strings.TrimSpace(ref)
	if key == "" {
		return domain.ChatRef{}, &domain.ConfigurationError{Ref: ref, Err: fmt.Errorf("empty chat reference")}
	}

	if cached, ok := c.cachedPeer(key); ok {
		return cached, nil
	}

	resolved, err := c.resolve(ctx, key)
	if err != nil {
		if _, flood := domain.AsRateLimited(err); flood {
			return domain.ChatRef{}, err
		}
		return domain.ChatRef{}, &domain.ConfigurationError{Ref: ref, Err: err}
	}
	resolved.Raw = key
	c.cachePeer(resolved, key, strconv.FormatInt(resolved.ID, 10))
	return resolved, nil
}

func (c *Client) resolve(ctx context.Context, key string) (domain.ChatRef, error) {
	if key == "me" || key == "self" {
		c.mu.RLock()
		self := c.self
		c.mu.RUnlock()
		if self == nil {
			return domain.ChatRef{}, fmt.Errorf("client not started")
		}
		return domain.ChatRef{ID: self.ID, Hash: self.AccessHash, Kind: domain.ChatUser}, nil
	}

	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		return c.resolveID(ctx, id)
	}

	return c.resolveUsername(ctx, strings.TrimPrefix(key, "@"))
}

func (c *Client) resolveUsername(ctx context.Context, username string) (domain.ChatRef, error) {
	res, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		return domain.ChatRef{}, mapError(err)
	}

	switch peer := res.Peer.(type) {
	case *tg.PeerUser:
		for _, u := range res.Users {
			if user, ok := u.(*tg.User); ok && user.ID == peer.UserID {
				return domain.ChatRef{ID: user.ID, Hash: user.AccessHash, Kind: domain.ChatUser}, nil
			}
		}
	case *tg.PeerChannel:
		for _, ch := range res.Chats {
			if channel, ok := ch.(*tg.Channel); ok && channel.ID == peer.ChannelID {
				return chatRefFromChannel(channel), nil
			}
		}
	case *tg.PeerChat:
		return domain.ChatRef{ID: peer.ChatID, Kind: domain.ChatGroup}, nil
	}
	return domain.ChatRef{}, fmt.Errorf("username %q resolved to no usable peer", username)
}

// resolveID finds a numeric chat id by walking recent dialogs, caching every
// peer seen along the way.
func (c *Client) resolveID(ctx context.Context, id int64) (domain.ChatRef, error) {
	channelID := id
	// Bot-API channel ids carry a -100 prefix; plain negative ids are basic
	// groups.
	if id < 0 {
		s := strconv.FormatInt(-id, 10)
		if strings.HasPrefix(s, "100") && len(s) > 3 {
			channelID, _ = strconv.ParseInt(s[3:], 10, 64)
		} else {
			return domain.ChatRef{ID: -id, Kind: domain.ChatGroup}, nil
		}
	}

	if cached, ok := c.cachedPeer(strconv.FormatInt(channelID, 10)); ok {
		return cached, nil
	}

	if err := c.scanDialogs(ctx); err != nil {
		return domain.ChatRef{}, err
	}

	if cached, ok := c.cachedPeer(strconv.FormatInt(channelID, 10)); ok {
		return cached, nil
	}
	return domain.ChatRef{}, fmt.Errorf("chat %d not found in recent dialogs", id)
}

func (c *Client) scanDialogs(ctx context.Context) error {
	dialogs, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		Limit:      100,
		OffsetPeer: &tg.InputPeerEmpty{},
	})
	if err != nil {
		return mapError(err)
	}

	var (
		chats []tg.ChatClass
		users []tg.UserClass
	)
	switch d := dialogs.(type) {
	case *tg.MessagesDialogs:
		chats, users = d.Chats, d.Users
	case *tg.MessagesDialogsSlice:
		chats, users = d.Chats, d.Users
	}

	for _, chat := range chats {
		switch ch := chat.(type) {
		case *tg.Channel:
			ref := chatRefFromChannel(ch)
			keys := []string{strconv.FormatInt(ch.ID, 10)}
			if ch.Username != "" {
				keys = append(keys, "@"+ch.Username)
			}
			c.cachePeer(ref, keys...)
		case *tg.Chat:
			ref := domain.ChatRef{ID: ch.ID, Kind: domain.ChatGroup, NoForwards: ch.Noforwards}
			c.cachePeer(ref, strconv.FormatInt(ch.ID, 10))
		}
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			ref := domain.ChatRef{ID: user.ID, Hash: user.AccessHash, Kind: domain.ChatUser}
			c.cachePeer(ref, strconv.FormatInt(user.ID, 10))
		}
	}
	return nil
}

func chatRefFromChannel(ch *tg.Channel) domain.ChatRef {
	return domain.ChatRef{
		ID:         ch.ID,
		Hash:       ch.AccessHash,
		Kind:       domain.ChatChannel,
		NoForwards: ch.Noforwards,
	}
}

func inputPeer(ref domain.ChatRef) tg.InputPeerClass {
	switch ref.Kind {
	case domain.ChatUser:
		return &tg.InputPeerUser{UserID: ref.ID, AccessHash: ref.Hash}
	case domain.ChatGroup:
		return &tg.InputPeerChat{ChatID: ref.ID}
	default:
		return &tg.InputPeerChannel{ChannelID: ref.ID, AccessHash: ref.Hash}
	}
}
