// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mailbox

import (
	"context"
	"encoding/json"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/gateway/internal/apierr"
	"github.com/tapgate/tapgate/gateway/internal/auth"
	"github.com/tapgate/tapgate/gateway/internal/upstream"
	"github.com/tapgate/tapgate/gateway/internal/wire"
)

// Receiver fetches mailbox messages from upstream.
type Receiver interface {
	Receive(ctx context.Context, req *upstream.ReceiveRequest) ([]json.RawMessage, error)
}

// sink is the downstream half of a streaming connection.
type sink interface {
	send(env *wire.Outbound) error
	ping() error
}

type streamer struct {
	log      *logging.Logger
	upstream Receiver
	sink     sink
	session  *auth.Session

	interval      time.Duration
	pingEvery     int
	maxEmptyPolls int

	cursor     string
	delivered  int
	emptyPolls int
}

// run polls upstream until the stream ends.  Exactly one eos envelope is
// sent on every path out.  Only upstream failures that are not network
// failures are returned.
func (s *streamer) run(ctx context.Context) error {
	s.log.Debugf("Streaming every %v.", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if done, err := s.poll(ctx); done {
			return err
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			s.finish(nil)
			return nil
		}
	}
}

func (s *streamer) poll(ctx context.Context) (bool, error) {
	msgs, err := s.upstream.Receive(ctx, &upstream.ReceiveRequest{
		Init:    s.session.Init.WithCursor(s.cursor),
		AuthSig: s.session.AuthSig.Raw(),
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		s.finish(nil)
		return true, nil
	case apierr.IsNetwork(err):
		s.log.Warningf("Network error while streaming: %v", err)
		s.finish(err)
		return true, nil
	default:
		s.log.Errorf("Failed to receive mail: %v", err)
		s.finish(err)
		return true, err
	}

	if len(msgs) == 0 {
		s.emptyPolls++
		if s.emptyPolls%s.pingEvery == 0 {
			if err := s.sink.ping(); err != nil {
				s.log.Debugf("Failed to send keepalive: %v", err)
				s.finish(nil)
				return true, nil
			}
		}
		if s.emptyPolls >= s.maxEmptyPolls {
			s.log.Infof("No messages for %d polls, ending stream.", s.emptyPolls)
			s.finish(nil)
			return true, nil
		}
		return false, nil
	}

	s.emptyPolls = 0
	if err := s.sink.send(wire.NewMessages(msgs)); err != nil {
		s.log.Debugf("Failed to send messages: %v", err)
		s.finish(nil)
		return true, nil
	}
	s.delivered += len(msgs)
	if id := upstream.MessageID(msgs[len(msgs)-1]); id != "" {
		s.cursor = id
	}
	s.log.Debugf("Sent %d messages.", len(msgs))
	return false, nil
}

func (s *streamer) finish(err error) {
	if sendErr := s.sink.send(wire.NewEndOfStream(s.delivered, err)); sendErr != nil {
		s.log.Debugf("Failed to send eos: %v", sendErr)
	}
	s.log.Infof("Stream ended, %d messages delivered.", s.delivered)
}
