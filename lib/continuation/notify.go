// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package continuation

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const defaultSubjectPrefix = "resourcebroker.continuation"

// A Notifier wakes up workers when a workflow is submitted, so they
// don't have to wait for the next poll.
type Notifier interface {
	// Notify wakes subscribers. It never blocks.
	Notify(target string)

	// Subscribe returns a channel that becomes ready after any
	// Notify call.
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})

	Close()
}

// LocalNotifier wakes subscribers in the same process.
type LocalNotifier struct {
	mtx         sync.Mutex
	subscribers map[<-chan struct{}]chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subscribers: map[<-chan struct{}]chan struct{}{}}
}

func (ln *LocalNotifier) Notify(string) {
	ln.mtx.Lock()
	defer ln.mtx.Unlock()
	for _, ch := range ln.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (ln *LocalNotifier) Subscribe() <-chan struct{} {
	ln.mtx.Lock()
	defer ln.mtx.Unlock()
	ch := make(chan struct{}, 1)
	ln.subscribers[ch] = ch
	return ch
}

func (ln *LocalNotifier) Unsubscribe(ch <-chan struct{}) {
	ln.mtx.Lock()
	defer ln.mtx.Unlock()
	delete(ln.subscribers, ch)
}

func (ln *LocalNotifier) Close() {}

// NATSNotifier publishes a message on <prefix>.<target> for each
// submission, and wakes local subscribers whenever any process
// publishes one. This lets several broker processes share one
// repository without each polling at a high rate.
type NATSNotifier struct {
	local  *LocalNotifier
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	logger logrus.FieldLogger
}

// NewNATSNotifier connects to the NATS server at url.
func NewNATSNotifier(url, prefix string, logger logrus.FieldLogger) (*NATSNotifier, error) {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	nn := &NATSNotifier{
		local:  NewLocalNotifier(),
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}
	opts := []nats.Option{
		nats.Name("resource-broker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("URL", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	nn.nc = nc
	nn.sub, err = nc.Subscribe(nn.prefix+".>", func(msg *nats.Msg) {
		nn.local.Notify(strings.TrimPrefix(msg.Subject, nn.prefix+"."))
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	return nn, nil
}

func (nn *NATSNotifier) Notify(target string) {
	if err := nn.nc.Publish(nn.prefix+"."+target, nil); err != nil {
		nn.logger.WithError(err).WithField("QueueTarget", target).Warn("nats publish failed, waking local workers only")
		nn.local.Notify(target)
	}
}

func (nn *NATSNotifier) Subscribe() <-chan struct{} {
	return nn.local.Subscribe()
}

func (nn *NATSNotifier) Unsubscribe(ch <-chan struct{}) {
	nn.local.Unsubscribe(ch)
}

func (nn *NATSNotifier) Close() {
	if nn.sub != nil {
		nn.sub.Unsubscribe()
	}
	if nn.nc != nil {
		nn.nc.Drain()
		nn.nc.Close()
	}
}
