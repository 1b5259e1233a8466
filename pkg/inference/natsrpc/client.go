// Package natsrpc implements the inference collaborators as NATS
// request/reply calls. A model-serving process answers on
// <prefix>.detect, <prefix>.extract and <prefix>.legacy.
package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/document"
	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/inference"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "argus.inference"

// DefaultTimeout bounds a call whose context carries no deadline.
const DefaultTimeout = 60 * time.Second

// Subject suffixes.
const (
	OpDetect  = "detect"
	OpExtract = "extract"
	OpLegacy  = "legacy"
)

// Requester is the subset of *nats.Conn used by the client.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// DetectRequest is the body sent on <prefix>.detect.
type DetectRequest struct {
	Document document.Document `json:"document"`
}

// DetectReply is the body expected back from <prefix>.detect.
type DetectReply struct {
	Flags document.Flags     `json:"flags"`
	Error *argerrors.Payload `json:"error,omitempty"`
}

// ExtractReply is the body expected back from <prefix>.extract. The request
// body is an inference.Request.
type ExtractReply struct {
	inference.Response
	Error *argerrors.Payload `json:"error,omitempty"`
}

// LegacyRequest is the body sent on <prefix>.legacy.
type LegacyRequest struct {
	Document document.Document `json:"document"`
	Language string            `json:"language"`
}

// LegacyReply is the body expected back from <prefix>.legacy.
type LegacyReply struct {
	inference.LegacyResult
	Error *argerrors.Payload `json:"error,omitempty"`
}

// Client implements inference.Provider, inference.FeatureDetector and
// inference.LegacyAnalyzer over NATS.
type Client struct {
	conn    Requester
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the deadline applied to calls without one.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

var (
	_ inference.Provider        = (*Client)(nil)
	_ inference.FeatureDetector = (*Client)(nil)
	_ inference.LegacyAnalyzer  = (*Client)(nil)
)

// New creates a client. An empty prefix selects DefaultPrefix.
func New(conn Requester, prefix string, opts ...Option) (*Client, error) {
	if conn == nil {
		return nil, argerrors.ErrNotConnected
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	c := &Client{
		conn:    conn,
		prefix:  prefix,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subject returns the full subject for op.
func (c *Client) Subject(op string) string {
	return c.prefix + "." + op
}

// Detect asks the remote detector for feature flags. A reply without flags
// is reported as an empty set.
func (c *Client) Detect(ctx context.Context, doc document.Document) (document.Flags, error) {
	var reply DetectReply
	if err := c.call(ctx, OpDetect, DetectRequest{Document: doc}, &reply); err != nil {
		return nil, err
	}
	if err := argerrors.FromPayload(reply.Error); err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if reply.Flags == nil {
		return document.Flags{}, nil
	}
	return reply.Flags, nil
}

// Extract runs one schema-driven extraction remotely.
func (c *Client) Extract(ctx context.Context, req inference.Request) (*inference.Response, error) {
	var reply ExtractReply
	if err := c.call(ctx, OpExtract, req, &reply); err != nil {
		return nil, err
	}
	if err := argerrors.FromPayload(reply.Error); err != nil {
		return nil, fmt.Errorf("extract %s: %w", req.Node, err)
	}
	resp := reply.Response
	return &resp, nil
}

// Analyze runs the single-pass legacy analysis remotely.
func (c *Client) Analyze(ctx context.Context, doc document.Document, language string) (*inference.LegacyResult, error) {
	var reply LegacyReply
	if err := c.call(ctx, OpLegacy, LegacyRequest{Document: doc, Language: language}, &reply); err != nil {
		return nil, err
	}
	if err := argerrors.FromPayload(reply.Error); err != nil {
		return nil, fmt.Errorf("legacy analysis: %w", err)
	}
	res := reply.LegacyResult
	return &res, nil
}

func (c *Client) call(ctx context.Context, op string, body, reply interface{}) error {
	subject := c.Subject(op)

	data, err := json.Marshal(body)
	if err != nil {
		return argerrors.NewError(argerrors.CodeInvalidRequest, "encode "+subject+" request", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		c.logger.Debug("Inference request failed",
			zap.String("subject", subject),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return requestError(subject, err)
	}

	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return argerrors.NewError(argerrors.CodeInvalidResponse, "decode "+subject+" reply",
			fmt.Errorf("%w: %v", argerrors.ErrInvalidMessage, err))
	}
	c.logger.Debug("Inference request completed",
		zap.String("subject", subject),
		zap.Int("reply_bytes", len(msg.Data)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// requestError maps transport failures onto coded errors while keeping the
// original error in the chain so context deadlines stay detectable.
func requestError(subject string, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return argerrors.NewError(argerrors.CodeNoResponders, "no responders on "+subject,
			fmt.Errorf("%w: %w", argerrors.ErrNoResponse, err))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return argerrors.NewError(argerrors.CodeTimeout, "request on "+subject+" timed out",
			fmt.Errorf("%w: %w", argerrors.ErrTimeout, err))
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrInvalidConnection):
		return argerrors.NewError(argerrors.CodeRequestFailed, "request on "+subject+" failed",
			fmt.Errorf("%w: %w", argerrors.ErrNotConnected, err))
	default:
		return argerrors.NewError(argerrors.CodeRequestFailed, "request on "+subject+" failed", err)
	}
}
