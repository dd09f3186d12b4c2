package governance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutManagerPerUpstream(t *testing.T) {
	tm := NewTimeoutManager(5 * time.Second)
	tm.Configure(map[string]time.Duration{"iam": time.Second, "zero": 0})

	assert.Equal(t, time.Second, tm.For("iam"))
	assert.Equal(t, 5*time.Second, tm.For("customs"))
	assert.Equal(t, 5*time.Second, tm.For("zero"))
	assert.Equal(t, 10*time.Second, NewTimeoutManager(0).For("x"))
}

func TestWithRequestTimeoutIgnoresClientCancellation(t *testing.T) {
	tm := NewTimeoutManager(time.Second)

	type key struct{}
	parent, cancelParent := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	ctx, cancel := tm.WithRequestTimeout(parent, "customs")
	defer cancel()

	cancelParent()
	select {
	case <-ctx.Done():
		t.Fatal("upstream call context cancelled with the client")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, "v", ctx.Value(key{}))

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

var _ net.Error = timeoutNetErr{}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("do: %w", context.DeadlineExceeded)))
	assert.True(t, IsTimeout(&net.OpError{Op: "read", Err: timeoutNetErr{}}))
	assert.False(t, IsTimeout(errors.New("connection refused")))
	assert.False(t, IsTimeout(nil))
}
