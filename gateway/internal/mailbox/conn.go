// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/gateway/internal/auth"
	"github.com/tapgate/tapgate/gateway/internal/identity"
	"github.com/tapgate/tapgate/gateway/internal/ratelimit"
	"github.com/tapgate/tapgate/gateway/internal/wire"
)

const sendTimeout = 30 * time.Second

var (
	connID uint64

	heartbeat = []byte("heartbeat")
)

type frame struct {
	payload []byte
	binary  bool
}

// frameCodec receives data frames noting their type, and sends pings
// under the connection's write lock.
var frameCodec = websocket.Codec{
	Marshal: func(v interface{}) ([]byte, byte, error) {
		b, ok := v.([]byte)
		if !ok {
			return nil, 0, fmt.Errorf("mailbox: can't ping with %T", v)
		}
		return b, websocket.PingFrame, nil
	},
	Unmarshal: func(data []byte, payloadType byte, v interface{}) error {
		f := v.(*frame)
		f.payload = data
		f.binary = payloadType == websocket.BinaryFrame
		return nil
	},
}

type conn struct {
	h   *Handler
	ws  *websocket.Conn
	log *logging.Logger
	id  uint64

	state   State
	limiter *ratelimit.Limiter
	init    *wire.Init
	session *auth.Session

	closeOnce sync.Once
}

func newConn(h *Handler, ws *websocket.Conn) *conn {
	c := &conn{
		h:       h,
		ws:      ws,
		id:      atomic.AddUint64(&connID, 1),
		state:   AwaitingInit,
		limiter: ratelimit.New(h.cfg.RateLimit, h.cfg.RateWindowDuration()),
	}
	c.log = h.logBackend.GetLogger(fmt.Sprintf("mailbox:conn:%d", c.id))
	return c
}

func (c *conn) advance(next State) {
	c.state = transition(c.state, next)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.ws.Close()
	})
}

func (c *conn) send(env *wire.Outbound) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(sendTimeout))
	if err = websocket.Message.Send(c.ws, string(b)); err != nil {
		return err
	}
	c.h.monitor.MessageSent(c.id, len(b))
	return nil
}

func (c *conn) ping() error {
	c.ws.SetWriteDeadline(time.Now().Add(sendTimeout))
	return frameCodec.Send(c.ws, heartbeat)
}

func (c *conn) worker() {
	c.log.Debugf("Accepted connection from %v.", c.ws.Request().RemoteAddr)
	c.h.monitor.ConnectionOpened(c.id, c.ws.Request().RemoteAddr)
	defer func() {
		c.advance(Closed)
		c.close()
		c.h.monitor.ConnectionClosed(c.id)
		c.log.Debugf("Closed.")
	}()

	// Start reading from the peer.
	frameCh := make(chan *frame)
	frameCloseCh := make(chan struct{})
	defer close(frameCloseCh)
	go func() {
		defer close(frameCh)
		for {
			f := new(frame)
			if err := frameCodec.Receive(c.ws, f); err != nil {
				if err != io.EOF {
					c.log.Debugf("Failed to receive frame: %v", err)
				}
				return
			}
			select {
			case frameCh <- f:
			case <-frameCloseCh:
				return
			}
		}
	}()

	for c.state < Streaming {
		var f *frame
		var ok bool

		select {
		case <-c.h.HaltCh():
			c.log.Debugf("Halting.")
			return
		case f, ok = <-frameCh:
			if !ok {
				c.log.Debugf("Peer closed connection.")
				return
			}
		}

		if !c.onFrame(f) {
			return
		}
	}

	c.stream(frameCh)
}

// admit applies the rate limit to an inbound frame.
func (c *conn) admit(f *frame) bool {
	if !c.limiter.Allow() {
		c.log.Warningf("Rate limit exceeded, closing.")
		c.h.monitor.RateLimitHit(c.id)
		return false
	}
	c.h.monitor.MessageReceived(c.id, len(f.payload))
	return true
}

func (c *conn) onFrame(f *frame) bool {
	if !c.admit(f) {
		return false
	}
	if f.binary {
		c.log.Debugf("Ignoring %d byte binary frame.", len(f.payload))
		return true
	}

	in, err := wire.DecodeInbound(f.payload)
	if err != nil {
		c.log.Debugf("Dropping connection: %v", err)
		return false
	}

	switch {
	case c.state == AwaitingInit && in.Kind() == wire.KindInit:
		return c.onInit(in.Init)
	case c.state == ChallengeSent && in.Kind() == wire.KindAuthSig:
		return c.onAuthSig(in.AuthSig)
	default:
		c.log.Debugf("Received unexpected %v in state %v.", in.Kind(), c.state)
		return false
	}
}

func (c *conn) onInit(raw json.RawMessage) bool {
	init, err := wire.ParseInit(raw)
	if err != nil {
		c.log.Debugf("Dropping connection: %v", err)
		return false
	}

	rec, err := c.h.registry.Issue()
	if err != nil {
		c.log.Errorf("Failed to issue challenge: %v", err)
		return false
	}
	if err = c.send(wire.NewChallenge(rec.Payload())); err != nil {
		c.log.Debugf("Failed to send challenge: %v", err)
		return false
	}
	if id, err := init.ReceiverID(); err == nil {
		c.log.Debugf("Issued challenge to receiver %s.", identity.Fingerprint(id))
	}

	c.init = init
	c.advance(ChallengeSent)
	return true
}

func (c *conn) onAuthSig(raw json.RawMessage) bool {
	sess, reason, err := c.h.validator.Authenticate(c.h.Context(), c.init, raw)
	if err != nil {
		c.log.Debugf("Dropping connection: %v", err)
		c.h.monitor.AuthFailure(c.id, "invalid_input")
		return false
	}
	if sess == nil {
		c.log.Noticef("Authentication failed: %v.", reason)
		c.h.monitor.AuthFailure(c.id, string(reason))
		if err = c.send(wire.NewAuthResult(false)); err != nil {
			c.log.Debugf("Failed to send auth result: %v", err)
		}
		return false
	}

	if err = c.send(wire.NewAuthResult(true)); err != nil {
		c.log.Debugf("Failed to send auth result: %v", err)
		return false
	}
	c.log.Noticef("Authenticated receiver %s.", identity.Fingerprint(sess.ReceiverID))
	c.h.monitor.ReceiverBound(c.id, sess.ReceiverID)

	c.session = sess
	c.advance(Authenticated)
	c.advance(Streaming)
	return true
}

// stream runs the streaming loop while watching the peer.  Any text frame
// from the peer is a protocol violation and closes the connection before
// the loop is cancelled, so that nothing more reaches the peer.
func (c *conn) stream(frameCh <-chan *frame) {
	ctx, cancel := context.WithCancel(c.h.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-frameCh:
				switch {
				case !ok:
					c.log.Debugf("Peer closed connection while streaming.")
				case !c.admit(f):
					c.close()
				case f.binary:
					continue
				default:
					c.log.Debugf("Received a frame while streaming, closing.")
					c.close()
				}
				return
			}
		}
	}()

	s := &streamer{
		log:           c.log,
		upstream:      c.h.upstream,
		sink:          c,
		session:       c.session,
		interval:      c.h.cfg.PollIntervalDuration(),
		pingEvery:     c.h.cfg.PingEvery,
		maxEmptyPolls: c.h.cfg.MaxEmptyPolls,
	}
	if err := s.run(ctx); err != nil {
		c.log.Errorf("Stream failed: %v", err)
	}
}
