package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/uswitch/subscriptions/pkg/observability"
)

type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseAcknowledged
	PhaseTerminating
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAcknowledged:
		return "acknowledged"
	case PhaseTerminating:
		return "terminating"
	case PhaseClosed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// session is the protocol state for one connection. Only the read loop
// touches handshake; everything else is safe for concurrent use.
type session struct {
	id     string
	server *Server
	conn   Connection
	logger zerolog.Logger

	requestContext interface{}

	ctx    context.Context
	cancel context.CancelFunc

	phase atomic.Int32
	ops   *registry
	tasks sync.WaitGroup

	authMu  sync.RWMutex
	authCtx context.Context

	// closed when the most recent connection_init has been answered
	handshake <-chan struct{}

	keepAliveOnce sync.Once
}

func (s *Server) newSession(ctx context.Context, conn Connection, requestContext interface{}) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)

	ready := make(chan struct{})
	close(ready)

	return &session{
		id:             id,
		server:         s,
		conn:           conn,
		logger:         s.logger.With().Str("session", id).Logger(),
		requestContext: requestContext,
		ctx:            ctx,
		cancel:         cancel,
		ops:            newRegistry(),
		authCtx:        ctx,
		handshake:      ready,
	}
}

func (s *session) getPhase() Phase { return Phase(s.phase.Load()) }

// advance moves the session forward to p. Phases never move backwards.
func (s *session) advance(p Phase) {
	for {
		curr := s.phase.Load()
		if curr >= int32(p) {
			return
		}
		if s.phase.CompareAndSwap(curr, int32(p)) {
			return
		}
	}
}

func (s *session) authContext() context.Context {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.authCtx
}

func (s *session) run() error {
	observability.SessionOpened()
	s.logger.Debug().Msg("session opened")

	stopWatch := context.AfterFunc(s.ctx, func() {
		s.conn.Close(CloseGoingAway)
	})

	defer func() {
		stopWatch()
		s.close()
		observability.SessionClosed()
		s.logger.Debug().Msg("session closed")
	}()

	for {
		if s.conn.Closed() {
			return nil
		}

		raw, err := s.conn.Receive(s.ctx)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) || s.ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("receive failed")
			return err
		}

		s.dispatch(raw)
	}
}

// close tears the session down: every operation is stopped and in-flight
// work gets at most the shutdown timeout to finish.
func (s *session) close() {
	s.advance(PhaseClosed)

	for _, id := range s.ops.ids() {
		if op, ok := s.ops.remove(id); ok {
			op.stop()
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.server.shutdownTimeout):
		s.logger.Warn().Dur("timeout", s.server.shutdownTimeout).Msg("in-flight work still running after shutdown timeout")
	}

	s.conn.Close(CloseNormalClosure)
}

func (s *session) spawn(fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

func (s *session) dispatch(raw []byte) {
	if s.getPhase() >= PhaseTerminating {
		return
	}

	msg, err := Decode(raw)
	if err != nil {
		var id *MessageID
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			id = decodeErr.ID
		}
		s.logger.Debug().Err(err).Msg("malformed message")
		observability.RecordMessage("", false)
		s.reply(func() { s.sendError(id, err) })
		return
	}

	observability.RecordMessage(string(msg.Type), msg.Type.Valid())

	switch msg.Type {
	case GQL_CONNECTION_INIT:
		s.onConnectionInit(msg)
	case GQL_CONNECTION_TERMINATE:
		s.onConnectionTerminate()
	case GQL_START:
		s.onStart(msg)
	case GQL_STOP:
		s.onStop(msg)
	default:
		s.reply(func() {
			s.sendError(msg.ID, fmt.Errorf("Invalid message type: %s", msg.Type))
		})
	}
}

// reply sends fn's frames once the handshake in flight has been answered,
// and drops them if that handshake was rejected.
func (s *session) reply(fn func()) {
	gate := s.handshake
	s.spawn(func() {
		<-gate
		if s.getPhase() >= PhaseTerminating {
			return
		}
		fn()
	})
}

// onConnectionInit answers inits in the order they arrived, so the last one
// sent decides the session auth context.
func (s *session) onConnectionInit(msg *OperationMessage) {
	prev := s.handshake
	done := make(chan struct{})
	s.handshake = done

	s.spawn(func() {
		defer close(done)
		<-prev

		if s.getPhase() >= PhaseTerminating {
			return
		}

		authCtx, err := s.connect(msg)
		if err != nil {
			s.logger.Info().Err(err).Msg("connection rejected")
			s.advance(PhaseTerminating)
			s.sendMessage(nil, GQL_CONNECTION_ERROR, ErrorPayload{Message: err.Error()})
			s.conn.Close(CloseInternalError)
			return
		}

		if s.getPhase() >= PhaseTerminating {
			return
		}

		s.authMu.Lock()
		s.authCtx = authCtx
		s.authMu.Unlock()

		s.advance(PhaseAcknowledged)
		s.sendMessage(nil, GQL_CONNECTION_ACK, nil)
		s.startKeepAlive()
	})
}

func (s *session) connect(msg *OperationMessage) (ctx context.Context, err error) {
	hook := s.server.onConnect
	if hook == nil {
		return s.ctx, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connect hook panicked: %v", r)
		}
	}()

	ctx, err = hook(s.ctx, msg.Payload)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = s.ctx
	}
	return ctx, nil
}

func (s *session) onConnectionTerminate() {
	s.advance(PhaseTerminating)
	s.conn.Close(CloseInternalError)
}

func (s *session) onStart(msg *OperationMessage) {
	if msg.ID == nil {
		s.reply(func() { s.sendError(nil, errors.New("start requires an id")) })
		return
	}
	id := *msg.ID

	params, err := parseParams(msg.Payload)
	if err != nil {
		s.reply(func() { s.sendError(&id, err) })
		return
	}

	op := newOperation(s.ctx, id)
	prev := s.ops.register(op)
	if prev != nil {
		s.logger.Debug().Str("operation", string(id)).Msg("replacing running operation")
		prev.stop()
	}
	observability.RecordOperationStarted()

	gate := s.handshake
	s.spawn(func() { s.execute(op, prev, params, gate) })
}

func (s *session) onStop(msg *OperationMessage) {
	if msg.ID == nil {
		return
	}

	if op, ok := s.ops.remove(*msg.ID); ok {
		op.stop()
	}
}

// execute runs op once the handshake in flight at its start has finished and
// the operation it replaced, if any, has been cleaned up.
func (s *session) execute(op *operation, prev *operation, params *OperationParams, gate <-chan struct{}) {
	logger := s.logger.With().Str("operation", string(op.id)).Logger()
	started := time.Now()
	outcome := "stopped"

	defer func() {
		s.ops.removeOp(op)
		op.cancel()

		observability.RecordOperationFinished(outcome, time.Since(started))

		if hook := s.server.onOperationComplete; hook != nil {
			hook(s.authContext(), op.id)
		}
		logger.Debug().Str("result", outcome).Msg("operation finished")
		close(op.done)
	}()

	if prev != nil {
		select {
		case <-prev.done:
		case <-op.ctx.Done():
			return
		}
	}

	select {
	case <-gate:
	case <-op.ctx.Done():
		return
	}
	if s.getPhase() >= PhaseTerminating {
		return
	}

	ctx, cancel := context.WithCancel(s.authContext())
	defer cancel()
	defer context.AfterFunc(op.ctx, cancel)()

	params.Context = mergeContext(s.requestContext, params.Context)

	ctx, span := s.server.tracer.Start(ctx, "graphql.operation", trace.WithAttributes(
		attribute.String("graphql.operation.id", string(op.id)),
		attribute.String("graphql.operation.name", params.OperationName),
		attribute.String("graphql_ws.session", s.id),
	))
	defer span.End()

	if hook := s.server.onOperation; hook != nil {
		hook(ctx, op.id, params)
	}

	fail := func(err error) {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Msg("operation failed")
		s.sendOp(op, GQL_ERROR, ErrorPayload{Message: err.Error()})
	}

	execution, err := s.safeExecute(ctx, params)
	if err != nil {
		fail(err)
		return
	}

	if stream := execution.Stream(); stream != nil {
		if !op.attach(stream) {
			return
		}
		completed, err := s.streamResults(op, stream, logger)
		if err != nil {
			fail(err)
		} else if completed {
			outcome = "complete"
		}
		return
	}

	result, err := s.safeResult(ctx, execution)
	if err != nil {
		fail(err)
		return
	}

	s.sendResult(op, result)
	if s.sendOp(op, GQL_COMPLETE, nil) {
		outcome = "complete"
	}
}

func (s *session) safeExecute(ctx context.Context, params *OperationParams) (execution *Execution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panicked: %v", r)
		}
	}()

	execution, err = s.server.executor.Execute(ctx, params)
	if err == nil && execution == nil {
		err = errors.New("executor returned no execution")
	}
	return execution, err
}

func (s *session) safeResult(ctx context.Context, execution *Execution) (result *OperationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panicked: %v", r)
		}
	}()

	return execution.Result(ctx)
}

// streamResults pumps stream into data messages until it ends, the operation
// is no longer live or an item fails. It reports whether complete was sent,
// or the error that ended the stream.
func (s *session) streamResults(op *operation, stream *Stream, logger zerolog.Logger) (bool, error) {
	logger.Debug().Msg("result streaming starting")
	defer logger.Debug().Msg("result streaming done")

	for {
		result, err := stream.Next(op.ctx)
		if !s.ops.live(op) || op.ctx.Err() != nil {
			return false, nil
		}

		switch {
		case errors.Is(err, io.EOF):
			return s.sendOp(op, GQL_COMPLETE, nil), nil
		case errors.Is(err, ErrStreamCancelled):
			return false, nil
		case err != nil:
			return false, err
		}

		s.sendResult(op, result)
	}
}

func (s *session) sendResult(op *operation, result *OperationResult) {
	if result.Empty() {
		return
	}
	s.sendOp(op, GQL_DATA, result)
}

// sendOp sends an operation scoped message only while op is live. Messages
// for stopped or replaced operations are dropped.
func (s *session) sendOp(op *operation, typ MessageType, payload interface{}) bool {
	if !s.ops.live(op) {
		return false
	}
	s.sendMessage(idPtr(op.id), typ, payload)
	return true
}

func (s *session) sendError(id *MessageID, err error) {
	s.sendMessage(id, GQL_ERROR, ErrorPayload{Message: err.Error()})
}

func (s *session) sendMessage(id *MessageID, typ MessageType, payload interface{}) {
	msg, err := NewMessage(id, typ, payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build message")
		if typ == GQL_DATA && id != nil {
			s.sendError(id, errors.New("result could not be encoded"))
		}
		return
	}

	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}

	if err := s.conn.Send(s.ctx, data); err != nil {
		s.logger.Debug().Err(err).Str("type", string(typ)).Msg("send failed")
	}
}

func (s *session) startKeepAlive() {
	interval := s.server.keepAlive
	if interval <= 0 {
		return
	}

	s.keepAliveOnce.Do(func() {
		s.spawn(func() {
			s.sendMessage(nil, GQL_CONNECTION_KEEP_ALIVE, nil)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-s.ctx.Done():
					return
				case <-ticker.C:
					s.sendMessage(nil, GQL_CONNECTION_KEEP_ALIVE, nil)
				}
			}
		})
	})
}
