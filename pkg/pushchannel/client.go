// Package pushchannel adapts a websocket connection to the typed event
// stream the session consumes.
package pushchannel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/events"
	"chatsync/internal/models"
	"chatsync/internal/retry"
)

const (
	readLimit   = 1 << 20
	pingTimeout = 10 * time.Second
	closeReason = "client shutdown"
)

// Options configures a Client.
type Options struct {
	URL          string
	UserID       string
	AuthToken    string
	PingInterval time.Duration
	Reconnect    retry.BackoffConfig
	Logger       *logrus.Logger
}

// FromConfig builds Options from the push and user settings.
func FromConfig(push models.PushConfig, user models.UserConfig, authToken string, logger *logrus.Logger) Options {
	ping := time.Duration(push.PingIntervalSec) * time.Second
	if ping <= 0 {
		ping = time.Duration(constants.DefaultPushPingIntervalSec) * time.Second
	}
	return Options{
		URL:          push.URL,
		UserID:       user.ID,
		AuthToken:    authToken,
		PingInterval: ping,
		Reconnect:    retry.FromReconnectConfig(push.Reconnect),
		Logger:       logger,
	}
}

// Client keeps one websocket open to the push relay, joining the user's room
// after every (re)connect. Dropped connections are redialed with backoff;
// events missed while disconnected are not replayed.
type Client struct {
	opts   Options
	logger *logrus.Logger

	events      chan events.Event
	reconnected chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	done        chan struct{}
	running     atomic.Bool
	cancel      context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client. Call Connect to dial.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = time.Duration(constants.DefaultPushPingIntervalSec) * time.Second
	}
	if opts.Reconnect.InitialDelay == 0 {
		opts.Reconnect = retry.DefaultBackoffConfig()
	}
	return &Client{
		opts:        opts,
		logger:      opts.Logger,
		events:      make(chan events.Event, constants.EventChannelSize),
		reconnected: make(chan struct{}, 1),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Events delivers decoded inbound events. It is closed once the client stops.
func (c *Client) Events() <-chan events.Event {
	return c.events
}

// Reconnected signals each successful redial after the first connect.
func (c *Client) Reconnected() <-chan struct{} {
	return c.reconnected
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the relay, retrying with backoff, and starts the read loop.
// The loop runs until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.running.Store(true)
	go c.run(ctx, conn)
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", errors.NewConfigError("push.url", err.Error())
	}
	q := u.Query()
	q.Set("userId", c.opts.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.AuthToken)
	}

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.WrapRetryable(err, errors.ErrCodeChannelClosed, "failed to dial push channel")
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.Emit(ctx, events.JoinRoom{UserID: c.opts.UserID}); err != nil {
		c.drop(conn, websocket.StatusInternalError, "join failed")
		return nil, err
	}
	c.logger.WithField("url", c.opts.URL).Info("Push channel connected")
	return conn, nil
}

func (c *Client) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	b := retry.NewBackoff(c.opts.Reconnect)
	err := b.RetryWithPredicate(ctx, func() error {
		var err error
		conn, err = c.dial(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("Push channel dial failed")
		}
		return err
	}, func(err error) bool {
		return errors.IsRetryable(err) && !c.isClosed()
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		err := c.serve(ctx, conn)
		c.drop(conn, websocket.StatusGoingAway, "reconnecting")
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		c.logger.WithError(err).Warn("Push channel disconnected, redialing")

		conn, err = c.dialWithRetry(ctx)
		if err != nil {
			if ctx.Err() == nil && !c.isClosed() {
				c.logger.WithError(err).Error("Push channel reconnect gave up")
			}
			return
		}
		select {
		case c.reconnected <- struct{}{}:
		default:
		}
	}
}

// serve reads envelopes until the connection fails. A ping loop runs
// alongside so a half-open connection is detected.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(ctx, conn)

	for {
		var env events.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}

		ev, err := events.Decode(env, time.Now())
		if err != nil {
			c.logger.WithError(err).WithField("event", env.Event).Debug("Dropping undecodable push event")
			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return errors.New(errors.ErrCodeChannelClosed, "push channel closed")
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.WithError(err).Warn("Push channel ping failed")
					conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

// Emit encodes ev and writes it to the current connection.
func (c *Client) Emit(ctx context.Context, ev events.Event) error {
	env, err := events.Encode(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.WrapRetryable(fmt.Errorf("not connected"), errors.ErrCodeChannelClosed, "cannot emit "+env.Event)
	}

	if err := wsjson.Write(ctx, conn, env); err != nil {
		return errors.WrapRetryable(err, errors.ErrCodeChannelClosed, "failed to emit "+env.Event)
	}
	return nil
}

func (c *Client) drop(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close(code, reason)
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close shuts the connection and waits for the read loop to exit when one
// was started.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn, cancel := c.conn, c.cancel
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, closeReason)
		}
		if cancel != nil {
			cancel()
		}
	})
	if c.running.Load() {
		<-c.done
	}
	return nil
}
