package gateway

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

const (
	defaultWorkers      = 4
	defaultReplyTimeout = 120 * time.Second
)

// Replier produces the bot's answer to an inbound message.
type Replier interface {
	Reply(ctx context.Context, in bus.InboundMessage) bus.Reply
}

// Dispatcher consumes the inbound bus with a fixed pool of workers. Each
// message is prepared by its channel, answered by the bot and sent back.
type Dispatcher struct {
	router   bus.MessageRouter
	bot      Replier
	channels *channels.Manager

	workers int
	timeout time.Duration
	locks   sessionLocks
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithReplyTimeout bounds prepare, reply and send for one message.
func WithReplyTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// NewDispatcher wires the bus to the bot and the channels' send side.
func NewDispatcher(router bus.MessageRouter, bot Replier, mgr *channels.Manager, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		router:   router,
		bot:      bot,
		channels: mgr,
		workers:  defaultWorkers,
		timeout:  defaultReplyTimeout,
		locks:    sessionLocks{m: make(map[string]*sessionLock)},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until ctx is done or the bus is closed and drained. Messages
// already taken off the bus finish even after ctx is canceled, bounded by
// the reply timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher started", "workers", d.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				in, ok := d.router.ConsumeInbound(gctx)
				if !ok {
					return nil
				}
				d.handle(context.WithoutCancel(gctx), in)
			}
		})
	}
	err := g.Wait()
	slog.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) handle(ctx context.Context, in bus.InboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("dispatcher panic",
				"channel", in.Channel,
				"session", in.SessionID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()

	unlock := d.locks.lock(in.Channel + ":" + in.SessionID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ch, ok := d.channels.GetChannel(in.Channel)
	if !ok {
		slog.Warn("dispatcher: unknown channel", "channel", in.Channel, "message_id", in.MessageID)
		return
	}
	if p, ok := ch.(channels.Preparer); ok {
		prepared, err := p.Prepare(ctx, in)
		if err != nil {
			slog.Warn("prepare incomplete", "channel", in.Channel, "message_id", in.MessageID, "error", err)
		}
		in = prepared
	}
	if r, ok := ch.(channels.Releaser); ok {
		defer r.Release(in)
	}

	start := time.Now()
	reply := d.bot.Reply(ctx, in)

	if err := ch.Send(ctx, reply, in); err != nil {
		slog.Error("reply send failed",
			"channel", in.Channel,
			"session", in.SessionID,
			"reply_type", reply.Type,
			"error", err,
		)
		return
	}
	slog.Debug("message handled",
		"channel", in.Channel,
		"session", in.SessionID,
		"duration", time.Since(start),
	)
}

// sessionLocks serializes work per session key. Entries are reference
// counted and removed when the last holder unlocks.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.m[key]
	if !ok {
		e = &sessionLock{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

func (l *sessionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
