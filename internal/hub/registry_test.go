package hub

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func drain(c *Client) []string {
	var out []string
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestMulticastWithOverlappingWorkspaces(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	a := NewClient(8)
	b := NewClient(8)
	r.AddClient([]string{"W1", "W2"}, a)
	r.AddClient([]string{"W2"}, b)

	assert.Equal(t, 2, r.SendMessage("W2", "m"))
	assert.Equal(t, []string{"m"}, drain(a))
	assert.Equal(t, []string{"m"}, drain(b))

	assert.Equal(t, 1, r.SendMessage("W1", "n"))
	assert.Equal(t, []string{"n"}, drain(a))
	assert.Empty(t, drain(b))

	r.RemoveClient([]string{"W1", "W2"}, a)
	assert.Equal(t, 0, r.Clients("W1"))
	assert.Equal(t, 1, r.Clients("W2"))
	assert.Equal(t, 1, r.Workspaces(), "W1 dropped once empty")
}

func TestRemoveIsByIdentity(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	a := NewClient(1)
	twin := NewClient(1)
	r.AddClient([]string{"W"}, a)
	r.AddClient([]string{"W"}, twin)

	r.RemoveClient([]string{"W"}, a)
	require.Equal(t, 1, r.Clients("W"))
	assert.Equal(t, 1, r.SendMessage("W", "x"))
	assert.Equal(t, []string{"x"}, drain(twin))

	// removing an absent client changes nothing
	r.RemoveClient([]string{"W"}, a)
	assert.Equal(t, 1, r.Clients("W"))

	r.RemoveClient([]string{"W"}, twin)
	assert.Equal(t, 0, r.Workspaces())
}

func TestSendToUnknownWorkspace(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	assert.Equal(t, 0, r.SendMessage("nobody", "x"))
}

func TestFailedEnqueueDoesNotStopDelivery(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	closed := NewClient(4)
	full := NewClient(1)
	healthy := NewClient(4)
	r.AddClient([]string{"W"}, closed)
	r.AddClient([]string{"W"}, full)
	r.AddClient([]string{"W"}, healthy)

	closed.Close()
	require.NoError(t, full.Enqueue("filler"))

	assert.Equal(t, 1, r.SendMessage("W", "alert"))
	assert.Equal(t, []string{"alert"}, drain(healthy))
}

func TestDuplicateWorkspaceIDsJoinOnce(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)
	c := NewClient(4)
	r.AddClient([]string{"W", "W"}, c)
	assert.Equal(t, 1, r.Clients("W"))
	r.RemoveClient([]string{"W", "W"}, c)
	assert.Equal(t, 0, r.Workspaces())
}

func TestClientClose(t *testing.T) {
	c := NewClient(2)
	require.NoError(t, c.Enqueue("a"))
	c.Close()
	c.Close()

	assert.ErrorIs(t, c.Enqueue("b"), ErrClientClosed)
	assert.Equal(t, []string{"a"}, drain(c))
	_, ok := <-c.Messages()
	assert.False(t, ok)
}

func TestClientBufferFull(t *testing.T) {
	c := NewClient(1)
	require.NoError(t, c.Enqueue("a"))
	assert.ErrorIs(t, c.Enqueue("b"), ErrBufferFull)
	assert.NotEmpty(t, c.ID())
	assert.NotEqual(t, c.ID(), NewClient(1).ID())
}

func TestConcurrentJoinSendLeave(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewClient(64)
			ws := []string{"shared", fmt.Sprintf("own-%d", i)}
			r.AddClient(ws, c)
			for j := 0; j < 10; j++ {
				r.SendMessage("shared", "tick")
			}
			r.RemoveClient(ws, c)
			c.Close()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Workspaces())
}
