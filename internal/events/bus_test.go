package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBus_DeliversToSubscribers(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	received := make(chan *Event, 1)
	bus.Subscribe(TypeAgentRegistered, func(_ context.Context, ev *Event) error {
		received <- ev
		return nil
	})

	err := bus.Publish(context.Background(), &Event{
		Type:    TypeAgentRegistered,
		Source:  "registry",
		AgentID: "agent-1",
	})
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "agent-1", ev.AgentID)
		assert.False(t, ev.Timestamp.IsZero(), "publish stamps the event")
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestLocalBus_TypeIsolation(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []Type
	handler := func(_ context.Context, ev *Event) error {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	}
	bus.Subscribe(TypeAgentSlashed, handler)

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: TypeAgentRegistered}))
	require.NoError(t, bus.Publish(context.Background(), &Event{Type: TypeAgentSlashed}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == TypeAgentSlashed
	}, 2*time.Second, 10*time.Millisecond, "only the subscribed type is delivered")
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	var count int64
	var mu sync.Mutex
	unsubscribe := bus.Subscribe(TypeReputationUpdated, func(_ context.Context, _ *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: TypeReputationUpdated}))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)

	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), &Event{Type: TypeReputationUpdated}))

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, count, "no delivery after unsubscribe")
}

func TestLocalBus_PublishAfterCloseIsDropped(t *testing.T) {
	bus := NewLocalBus()

	delivered := make(chan struct{}, 1)
	bus.Subscribe(TypeInvocationDone, func(_ context.Context, _ *Event) error {
		delivered <- struct{}{}
		return nil
	})

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Publish(context.Background(), &Event{Type: TypeInvocationDone}))

	select {
	case <-delivered:
		t.Fatal("closed bus must not deliver")
	case <-time.After(100 * time.Millisecond):
	}
}
