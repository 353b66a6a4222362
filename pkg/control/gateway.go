package control

import (
	"context"
	"io"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is the caller side of the control service
type Client struct {
	conn   *grpc.ClientConn
	logger logging.Logger
}

// Dial connects lazily; the first call reports an unreachable supervisor
func Dial(address string, logger logging.Logger) (*Client, error) {
	parsed, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	logger.Debugf("Dialing supervisor at %s", parsed)

	conn, err := grpc.Dial(parsed.DialTarget(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithReadBufferSize(1*1024*1024),
		grpc.WithInitialWindowSize(1*1024*1024),
		grpc.WithInitialConnWindowSize(1*1024*1024),
	)
	if err != nil {
		return nil, errors.NewNetworkError("failed to dial supervisor", err).WithContext("address", address)
	}

	return &Client{
		conn:   conn,
		logger: logger,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute sends a lifecycle command and calls notify for every streamed
// notification until the supervisor finishes the command.
func (c *Client) Execute(ctx context.Context, cmd domain.Command, replyTarget string, notify domain.Notifier) error {
	msg := domain.NewControlMessage(cmd, replyTarget)
	return c.ExecuteMessage(ctx, msg, notify)
}

// ExecuteMessage sends a raw envelope, as received from an older controller
func (c *Client) ExecuteMessage(ctx context.Context, msg domain.ControlMessage, notify domain.Notifier) error {
	stream, err := c.conn.NewStream(ctx, &executeStreamDesc, executeMethod)
	if err != nil {
		return fromGRPCError(err)
	}
	if err := stream.SendMsg(&msg); err != nil {
		return fromGRPCError(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromGRPCError(err)
	}

	for {
		var n domain.Notification
		err := stream.RecvMsg(&n)
		if err == io.EOF {
			c.logger.Debugf("Execute client gateway done, kind: %s", msg.Kind)
			return nil
		}
		if err != nil {
			return fromGRPCError(err)
		}
		notify.Notify(n)
	}
}

// Status fetches the status document. A non-empty replyTarget also gets
// one line per process.
func (c *Client) Status(ctx context.Context, replyTarget string) (domain.StatusDocument, error) {
	msg := domain.NewControlMessage(domain.StatusCommand{}, replyTarget)
	var document domain.StatusDocument
	if err := c.conn.Invoke(ctx, statusMethod, &msg, &document); err != nil {
		return nil, fromGRPCError(err)
	}
	c.logger.Debugf("Status client gateway done")
	return document, nil
}
