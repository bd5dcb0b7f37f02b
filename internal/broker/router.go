package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Handler processes one decoded message from c. A returned error is logged
// and reported to c as an "error" frame. Handlers may call back into the
// broker but must not block for long; use Async for slow work.
type Handler func(ctx context.Context, b *Broker, c *Connection, msg Message) error

// AsyncFunc is long-running handler work. It runs on its own goroutine with
// a context bounded by Config.AsyncTimeout and cancelled on Shutdown. The
// returned message is sent to the originating connection.
type AsyncFunc func(ctx context.Context, c *Connection, msg Message) (Message, error)

// Router is the fixed dispatch table from message kind to handler. It is
// built once by New and never modified afterwards, so lookups need no lock.
type Router struct {
	handlers map[Kind]Handler
	kinds    []string
	logger   *zap.Logger
}

func newRouter(logger *zap.Logger, extra map[Kind]Handler) *Router {
	handlers := map[Kind]Handler{
		KindPing:        handlePing,
		KindSubscribe:   handleSubscribe,
		KindUnsubscribe: handleUnsubscribe,
		KindBroadcast:   handleBroadcast,
		KindUserMessage: handleUserMessage,
		KindGetStats:    handleGetStats,
	}
	for kind, h := range extra {
		handlers[kind] = h
	}

	kinds := make([]string, 0, len(handlers))
	for kind := range handlers {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	return &Router{
		handlers: handlers,
		kinds:    kinds,
		logger:   logger.Named("router"),
	}
}

// Kinds returns the sorted list of message kinds the router accepts. It is
// advertised to clients as the capability list.
func (r *Router) Kinds() []string {
	out := make([]string, len(r.kinds))
	copy(out, r.kinds)
	return out
}

// Has reports whether kind has a registered handler.
func (r *Router) Has(kind Kind) bool {
	_, ok := r.handlers[kind]
	return ok
}

// Kinds returns the message kinds accepted by the broker's router.
func (b *Broker) Kinds() []string {
	return b.router.Kinds()
}

func (r *Router) dispatch(ctx context.Context, b *Broker, c *Connection, msg Message) {
	kind := msg.Kind()
	h, ok := r.handlers[kind]
	if !ok {
		b.replyError(c, msg, fmt.Sprintf("unknown message type: %s", kind))
		return
	}

	if err := invoke(ctx, h, b, c, msg); err != nil {
		text := err.Error()
		if errors.Is(err, ErrHandlerPanic) {
			r.logger.Error("handler panicked",
				zap.String("client_id", c.ID),
				zap.String("type", string(kind)),
				zap.Error(err),
			)
			text = "internal error"
		} else {
			r.logger.Debug("handler failed",
				zap.String("client_id", c.ID),
				zap.String("type", string(kind)),
				zap.Error(err),
			)
		}
		b.replyError(c, msg, text)
	}
}

// invoke runs h and converts a panic into an error wrapping ErrHandlerPanic.
func invoke(ctx context.Context, h Handler, b *Broker, c *Connection, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	return h(ctx, b, c, msg)
}

// Async adapts fn into a Handler that returns immediately and replies later.
// The reply, or an "error" frame, carries the request's request_id so the
// client can match it.
func Async(fn AsyncFunc) Handler {
	return func(_ context.Context, b *Broker, c *Connection, msg Message) error {
		return b.spawn(c, msg, fn)
	}
}

func (b *Broker) spawn(c *Connection, msg Message, fn AsyncFunc) error {
	b.mu.RLock()
	if b.closing {
		b.mu.RUnlock()
		return ErrShuttingDown
	}
	b.tasks.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.tasks.Done()

		ctx, cancel := context.WithTimeout(b.tasksCtx, b.cfg.AsyncTimeout)
		defer cancel()

		reply, err := runAsync(ctx, fn, c, msg)
		if err != nil {
			b.logger.Warn("async handler failed",
				zap.String("client_id", c.ID),
				zap.String("type", string(msg.Kind())),
				zap.String("request_id", msg.RequestID()),
				zap.Error(err),
			)
			text := err.Error()
			if errors.Is(err, ErrHandlerPanic) {
				text = "internal error"
			}
			b.replyError(c, msg, text)
			return
		}
		b.reply(c, msg, reply)
	}()
	return nil
}

func runAsync(ctx context.Context, fn AsyncFunc, c *Connection, msg Message) (reply Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	reply, err = fn(ctx, c, msg)
	if err == nil && reply.Kind() == "" {
		err = fmt.Errorf("async %s handler returned a reply without a type", msg.Kind())
	}
	return reply, err
}

// reply sends resp to c, echoing the request's request_id.
func (b *Broker) reply(c *Connection, req, resp Message) bool {
	if id := req.RequestID(); id != "" {
		resp = resp.clone()
		resp[fieldRequestID] = id
	}
	return b.sendTo(c, resp)
}

func (b *Broker) replyError(c *Connection, req Message, text string) bool {
	return b.sendTo(c, errorMessage(text, req.RequestID()))
}
