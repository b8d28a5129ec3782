// Package telegram implements domain.PlatformClient using gotd.
package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"tgforward/internal/adapter/spool"
	"tgforward/internal/domain"
)

// Client drives an authenticated MTProto session.
type Client struct {
	client *telegram.Client
	api    *tg.Client
	sender *message.Sender
	spool  *spool.Spool
	log    *zap.Logger

	mu        sync.RWMutex
	peerCache map[string]domain.ChatRef
	self      *tg.User

	stop func()
	done chan struct{}
}

// AuthInput supplies interactive authentication input.
type AuthInput interface {
	GetPhoneNumber() (string, error)
	GetCode() (string, error)
	GetPassword() (string, error)
}

func NewClient(appID int, appHash string, sessionFile string, sp *spool.Spool, log *zap.Logger) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(sessionFile), 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	opts := telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionFile},
		Logger:         log.Named("gotd"),
	}

	return &Client{
		client:    telegram.NewClient(appID, appHash, opts),
		spool:     sp,
		log:       log,
		peerCache: make(map[string]domain.ChatRef),
		done:      make(chan struct{}),
	}, nil
}

// Start connects, runs the auth flow if needed, and keeps the connection
// alive in the background until Close or ctx cancellation.
func (c *Client) Start(ctx context.Context, input AuthInput) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel

	ready := make(chan error, 1)

	go func() {
		defer close(c.done)
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			status, err := c.client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("auth status: %w", err)
			}

			if !status.Authorized {
				c.log.Info("not authorized, starting auth flow")
				flow := auth.NewFlow(flowAuth{input: input}, auth.SendCodeOptions{})
				if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
					return fmt.Errorf("auth flow: %w", err)
				}
				c.log.Info("authorization successful")
			}

			c.api = c.client.API()
			c.sender = message.NewSender(c.api)

			self, err := c.client.Self(ctx)
			if err != nil {
				return fmt.Errorf("fetch self: %w", err)
			}
			c.mu.Lock()
			c.self = self
			c.mu.Unlock()

			select {
			case ready <- nil:
			default:
			}

			c.log.Info("client connected", zap.Int64("user_id", self.ID))
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil {
			select {
			case ready <- err:
			default:
				c.log.Warn("client run loop exited", zap.Error(err))
			}
		}
	}()

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the run loop and waits for it to exit.
func (c *Client) Close() error {
	if c.stop != nil {
		c.stop()
		<-c.done
	}
	return nil
}

func (c *Client) cachedPeer(key string) (domain.ChatRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.peerCache[key]
	return ref, ok
}

func (c *Client) cachePeer(ref domain.ChatRef, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if k != "" {
			c.peerCache[k] = ref
		}
	}
}
