package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	socketErr := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Permanent},
		{"plain error", errors.New("boom"), Permanent},
		{"socket error", socketErr, Transient},
		{"socket error wrapped twice", fmt.Errorf("push: %w", &url.Error{Op: "Post", URL: "http://upstream", Err: socketErr}), Transient},
		{"bare errno", fmt.Errorf("write: %w", syscall.ECONNRESET), Transient},
		{"link layer", fmt.Errorf("route: %w", syscall.ENETUNREACH), Transient},
		{"dns", &net.DNSError{Err: "no such host", Name: "upstream"}, Transient},
		{"timeout", fmt.Errorf("call: %w", timeoutErr{}), Transient},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Transient},
		{"proxy", &TransportError{Op: "proxy connect", Err: errors.New("407")}, Transient},
		{"truncated body", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), Transient},
		{"unrelated errno", fmt.Errorf("open: %w", syscall.ENOENT), Permanent},
		{"validation", NewRejection(RejectValidation, "missing gender"), Permanent},
		{"conflict", fmt.Errorf("push: %w", NewRejection(RejectConflict, "version mismatch")), Permanent},
		{"rejection beats transport", errors.Join(socketErr, NewRejection(RejectDetectedIssue, "duplicate")), Permanent},
		{"joined transient", errors.Join(errors.New("first"), fmt.Errorf("second: %w", syscall.ETIMEDOUT)), Transient},
		{"queue error keeps cause", &QueueError{Queue: "outbound", Op: "push", Err: socketErr}, Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(fmt.Errorf("push: %w", context.Canceled)))
	assert.False(t, IsCancellation(context.DeadlineExceeded))
}

func TestErrorMessages(t *testing.T) {
	qe := NewQueueError("outbound", "dequeue", 7, errors.New("disk full"))
	assert.EqualError(t, qe, "queue outbound: dequeue entry 7: disk full")
	assert.Nil(t, NewQueueError("outbound", "dequeue", 7, nil))

	var target *QueueError
	assert.True(t, errors.As(fmt.Errorf("cycle: %w", qe), &target))
	assert.Equal(t, "outbound", target.Queue)

	are := &ArgumentRangeError{Param: "id", Expected: "uuid", Value: "abc"}
	assert.Contains(t, are.Error(), "expected uuid")

	gap := &ConfigurationGapError{Subject: "Patient", Reason: "forbidden"}
	assert.Equal(t, "configuration gap for Patient: forbidden", gap.Error())
}
