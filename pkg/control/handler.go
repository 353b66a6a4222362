package control

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// notificationBuffer bounds how many notifications may queue for a slow
// stream before new ones are dropped.
const notificationBuffer = 256

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&serviceDesc, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *grpcServerHandler) Status(ctx context.Context, msg *domain.ControlMessage) (*domain.StatusDocument, error) {
	cmd, err := domain.DecodeCommand(*msg)
	if err != nil {
		h.logger.Debugf("Dropping control message, kind: %q, error: %v", msg.Kind, err)
		return nil, toGRPCError(err)
	}
	if _, ok := cmd.(domain.StatusCommand); !ok {
		return nil, status.Errorf(codes.InvalidArgument, "Status accepts only the status kind, got %q", cmd.Kind())
	}

	document, err := h.handler.Status(ctx)
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
		return nil, toGRPCError(err)
	}
	if msg.ReplyTarget != "" {
		reply := NewReplyForwarder(msg.ReplyTarget, h.logger)
		for _, name := range document.Names() {
			reply.Forward(domain.NewNotification(name, domain.EventInformation, document[name].String(name)))
		}
		reply.Close()
	}
	h.logger.Debugf("Status server handler done")
	return &document, nil
}

// Execute runs one lifecycle command and streams its notifications. The
// command itself runs detached from the stream so a disconnecting caller
// cannot leave an operation half applied.
func (h *grpcServerHandler) Execute(msg *domain.ControlMessage, stream grpc.ServerStream) error {
	cmd, err := domain.DecodeCommand(*msg)
	if err != nil {
		h.logger.Debugf("Dropping control message, kind: %q, error: %v", msg.Kind, err)
		return toGRPCError(err)
	}

	h.logger.Infof("Executing control command, kind: %s, name: %q", cmd.Kind(), domain.TargetName(cmd))

	var reply *ReplyForwarder
	if msg.ReplyTarget != "" {
		reply = NewReplyForwarder(msg.ReplyTarget, h.logger)
		defer reply.Close()
	}

	var mutex sync.Mutex
	closed := false
	events := make(chan domain.Notification, notificationBuffer)
	notify := domain.Notifier(func(n domain.Notification) {
		mutex.Lock()
		defer mutex.Unlock()
		if closed {
			return
		}
		reply.Forward(n)
		select {
		case events <- n:
		default:
			h.logger.Warnf("Notification dropped for slow stream, name: %s, event: %s", n.Name, n.Event)
		}
	})

	result := make(chan error, 1)
	go func() {
		result <- domain.Dispatch(context.Background(), h.handler, cmd, notify)
	}()

	send := func(n domain.Notification) {
		if err := stream.SendMsg(&n); err != nil {
			h.logger.Debugf("Failed to stream notification: %v", err)
		}
	}
	drain := func() {
		for {
			select {
			case n := <-events:
				send(n)
			default:
				return
			}
		}
	}

	for {
		select {
		case n := <-events:
			send(n)
		case err := <-result:
			mutex.Lock()
			closed = true
			mutex.Unlock()
			drain()
			if err != nil {
				h.logger.Warnf("Control command failed, kind: %s, error: %v", cmd.Kind(), err)
			} else {
				h.logger.Debugf("Control command done, kind: %s", cmd.Kind())
			}
			return toGRPCError(err)
		}
	}
}
