package control

import (
	"net"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

const (
	replyDialTimeout = time.Second
	replyQueueSize   = 64
)

// ReplyForwarder mirrors notifications to a caller-supplied reply target,
// one newline-terminated message per connection. Delivery is best effort:
// an unreachable target costs one dial attempt per message and nothing else.
type ReplyForwarder struct {
	address Address
	logger  logging.Logger

	mutex  sync.Mutex
	closed bool
	queue  chan domain.Notification
	done   chan struct{}
}

func NewReplyForwarder(target string, logger logging.Logger) *ReplyForwarder {
	f := &ReplyForwarder{
		logger: logger,
		queue:  make(chan domain.Notification, replyQueueSize),
		done:   make(chan struct{}),
	}

	address, err := ParseAddress(target)
	if err != nil {
		logger.Debugf("Ignoring reply target %q: %v", target, err)
		close(f.done)
		f.closed = true
		return f
	}
	f.address = address

	go f.run()
	return f
}

// Forward queues a notification. Safe on a nil forwarder.
func (f *ReplyForwarder) Forward(n domain.Notification) {
	if f == nil {
		return
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- n:
	default:
		f.logger.Debugf("Reply queue full, dropping notification for %s", f.address)
	}
}

// Close delivers what is queued and stops the forwarder
func (f *ReplyForwarder) Close() {
	if f == nil {
		return
	}
	f.mutex.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mutex.Unlock()
	<-f.done
}

func (f *ReplyForwarder) run() {
	defer close(f.done)
	for n := range f.queue {
		if err := SendReply(f.address, n.Message); err != nil {
			f.logger.Debugf("Reply delivery to %s failed: %v", f.address, err)
		}
	}
}

// SendReply writes message as a single line to address
func SendReply(address Address, message string) error {
	conn, err := net.DialTimeout(address.Network, address.Address, replyDialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(replyDialTimeout))
	_, err = conn.Write([]byte(message + "\n"))
	return err
}
