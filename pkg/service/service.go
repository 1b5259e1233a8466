// Package service exposes the orchestrator as a NATS request/reply
// endpoint. Requests arrive on <prefix>.process through a queue group and
// progress is published on <prefix>.progress.<runId>.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/document"
	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/orchestrator"
	"github.com/wehubfusion/Argus/pkg/progress"
	"github.com/wehubfusion/Argus/pkg/report"
)

// ErrStopping is returned for requests delivered after Stop finished
// draining the subscription.
var ErrStopping = errors.New("service is stopping")

// drainPollInterval is how often Stop checks whether the drain finished.
const drainPollInterval = 10 * time.Millisecond

const (
	DefaultPrefix         = "argus"
	DefaultQueue          = "argus-workers"
	DefaultRequestTimeout = 5 * time.Minute
)

// Processor runs one document. *orchestrator.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, doc document.Document, flags document.Flags, opts ...orchestrator.RunOption) (*report.Report, error)
}

// Conn is the subset of *nats.Conn used by the service.
type Conn interface {
	Publish(subject string, data []byte) error
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

var _ Conn = (*nats.Conn)(nil)

// ProcessRequest is the body expected on <prefix>.process. Omitting Flags
// lets the orchestrator detect them.
type ProcessRequest struct {
	RunID    string            `json:"runId,omitempty"`
	Document document.Document `json:"document"`
	Flags    document.Flags    `json:"flags"`
}

// ProcessReply is the body sent back to the requester.
type ProcessReply struct {
	RunID  string             `json:"runId,omitempty"`
	Report *report.Report     `json:"report,omitempty"`
	Error  *argerrors.Payload `json:"error,omitempty"`
}

// Config holds the service settings.
type Config struct {
	Prefix         string
	Queue          string
	RequestTimeout time.Duration
	// MaxInflight caps concurrently processed requests.
	MaxInflight int
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = concurrency.LoadConfig().MaxInflight
	}
	return c
}

// Service handles process requests.
type Service struct {
	conn       Conn
	processor  Processor
	cfg        Config
	limiter    *concurrency.Limiter
	logger     *zap.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	middleware []Middleware
	handler    Handler

	mu       sync.Mutex
	sub      *nats.Subscription
	stopping bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithMiddleware adds middleware around request processing. It runs inside
// the built-in recovery and logging middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(s *Service) {
		s.middleware = append(s.middleware, mw...)
	}
}

// New creates a service. It does not subscribe until Start.
func New(conn Conn, processor Processor, cfg Config, opts ...Option) (*Service, error) {
	if conn == nil {
		return nil, argerrors.ErrNotConnected
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	cfg = cfg.withDefaults()

	base, cancel := context.WithCancel(context.Background())
	s := &Service{
		conn:       conn,
		processor:  processor,
		cfg:        cfg,
		limiter:    concurrency.NewLimiter(cfg.MaxInflight),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("argus/service"),
		propagator: propagation.TraceContext{},
		base:       base,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	chain := append([]Middleware{RecoveryMiddleware(), LoggingMiddleware(s.logger)}, s.middleware...)
	s.handler = Chain(chain...)(s.run)
	return s, nil
}

// ProcessSubject is the subject requests are received on.
func (s *Service) ProcessSubject() string {
	return s.cfg.Prefix + ".process"
}

// ProgressSubject is the subject progress of runID is published on.
func (s *Service) ProgressSubject(runID string) string {
	return s.cfg.Prefix + ".progress." + runID
}

// Start subscribes to the process subject.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}

	sub, err := s.conn.QueueSubscribe(s.ProcessSubject(), s.cfg.Queue, s.HandleMsg)
	if err != nil {
		return argerrors.NewError(argerrors.CodeInternal, "subscribe to "+s.ProcessSubject(),
			fmt.Errorf("%w: %w", argerrors.ErrSubscriptionFailed, err))
	}
	s.sub = sub

	s.logger.Info("Service started",
		zap.String("subject", s.ProcessSubject()),
		zap.String("queue", s.cfg.Queue),
		zap.Int("max_inflight", s.cfg.MaxInflight))
	return nil
}

// Stop drains the subscription, waits until buffered messages have been
// delivered and then waits for in-flight requests. Messages arriving after
// the drain are rejected with CodeUnavailable. When ctx ends first the
// remaining runs are cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Drain(); err != nil {
			s.logger.Warn("Failed to drain subscription", zap.Error(err))
		} else {
			s.awaitDrain(ctx, sub)
		}
	}

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("Service stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("stop interrupted: %w", ctx.Err())
	}
}

// awaitDrain blocks until sub stops delivering messages or ctx ends.
func (s *Service) awaitDrain(ctx context.Context, sub *nats.Subscription) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for sub.IsValid() {
		select {
		case <-ctx.Done():
			s.logger.Warn("Subscription drain did not finish", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
		}
	}
}

// HandleMsg is the nats.MsgHandler of the subscription. Each request is
// processed on its own goroutine.
func (s *Service) HandleMsg(msg *nats.Msg) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.reject(msg)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.Handle(s.base, msg)
	}()
}

// reject answers a request that arrived after shutdown.
func (s *Service) reject(msg *nats.Msg) {
	var req ProcessRequest
	_ = json.Unmarshal(msg.Data, &req)
	s.logger.Warn("Rejecting request, service is stopping", zap.String("run_id", req.RunID))
	s.respond(msg, &ProcessReply{
		RunID: req.RunID,
		Error: argerrors.ToPayload(argerrors.NewError(argerrors.CodeUnavailable, "request rejected", ErrStopping)),
	})
}

// Handle processes one request and publishes the reply when msg has a
// reply subject.
func (s *Service) Handle(ctx context.Context, msg *nats.Msg) *ProcessReply {
	if msg.Header != nil {
		ctx = s.propagator.Extract(ctx, propagation.HeaderCarrier(msg.Header))
	}

	reply := s.process(ctx, msg.Data)
	s.respond(msg, reply)
	return reply
}

func (s *Service) respond(msg *nats.Msg, reply *ProcessReply) {
	if msg.Reply != "" {
		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error("Failed to encode reply", zap.String("run_id", reply.RunID), zap.Error(err))
			data, _ = json.Marshal(&ProcessReply{
				RunID: reply.RunID,
				Error: argerrors.ToPayload(argerrors.NewError(argerrors.CodeInternal, "encode reply", err)),
			})
		}
		if err := s.conn.Publish(msg.Reply, data); err != nil {
			s.logger.Error("Failed to publish reply",
				zap.String("run_id", reply.RunID),
				zap.String("reply", msg.Reply),
				zap.Error(err))
		}
	}
}

func (s *Service) process(ctx context.Context, data []byte) *ProcessReply {
	var req ProcessRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return &ProcessReply{Error: argerrors.ToPayload(argerrors.NewError(argerrors.CodeInvalidRequest,
			"decode request", fmt.Errorf("%w: %v", argerrors.ErrInvalidMessage, err)))}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	reply := &ProcessReply{RunID: runID}
	if req.Document.IsEmpty() {
		reply.Error = argerrors.ToPayload(argerrors.NewError(argerrors.CodeInvalidRequest, "document has no text or images", nil))
		return reply
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	if err := s.limiter.Acquire(ctx); err != nil {
		code := argerrors.CodeUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = argerrors.CodeTimeout
		}
		reply.Error = argerrors.ToPayload(argerrors.NewError(code, "waiting for a free slot", err))
		return reply
	}
	defer s.limiter.Release()

	ctx, span := s.tracer.Start(ctx, "service.Process", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Bool("flags_supplied", req.Flags != nil),
	))
	defer span.End()

	rep, err := s.handler(ctx, &Request{RunID: runID, Payload: req})
	if err != nil {
		code := argerrors.CodeProcessingFailed
		var coded *argerrors.Error
		if errors.As(err, &coded) {
			code = coded.Code
		}
		reply.Error = &argerrors.Payload{Code: code, Message: err.Error()}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return reply
	}

	reply.Report = rep
	return reply
}

// run is the innermost handler.
func (s *Service) run(ctx context.Context, req *Request) (*report.Report, error) {
	logger := s.logger.With(zap.String("run_id", req.RunID))
	sink := progress.NewNATSSink(s.conn, s.ProgressSubject(req.RunID), req.RunID, logger)
	return s.processor.Process(ctx, req.Payload.Document, req.Payload.Flags,
		orchestrator.WithRunID(req.RunID),
		orchestrator.WithProgress(sink))
}
