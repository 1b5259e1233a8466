package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/report"
)

// Request is a decoded process request with its resolved run id.
type Request struct {
	RunID   string
	Payload ProcessRequest
}

// Handler runs one request.
type Handler func(ctx context.Context, req *Request) (*report.Report, error)

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together. The first middleware is the
// outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware turns a panic in the handler into a coded error.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (rep *report.Report, err error) {
			defer func() {
				if r := recover(); r != nil {
					rep = nil
					err = argerrors.NewError(argerrors.CodeInternal, "panic recovered", fmt.Errorf("%v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}

// LoggingMiddleware logs request processing using structured logging
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*report.Report, error) {
			fields := []zap.Field{
				zap.String("run_id", req.RunID),
				zap.String("document_id", req.Payload.Document.ID),
				zap.Bool("flags_supplied", req.Payload.Flags != nil),
			}

			start := time.Now()
			logger.Info("Processing request", fields...)
			rep, err := next(ctx, req)
			fields = append(fields, zap.Duration("elapsed", time.Since(start)))
			if err != nil {
				logger.Error("Error processing request", append(fields, zap.Error(err))...)
				return nil, err
			}
			logger.Info("Successfully processed request",
				append(fields, zap.Bool("fallback", rep != nil && rep.MultiNodeResults.Fallback))...)
			return rep, nil
		}
	}
}
