package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startBus[K comparable, M any](t *testing.T, b *Bus[K, M]) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, b.Start(ctx))
	<-b.Ready()
	return ctx
}

func TestPublishToKeySubscriber(t *testing.T) {
	b := NewBus[string, int](zap.NewNop())
	ctx := startBus(t, b)

	ch := b.Subscribe(ctx, "a")
	go b.Publish(ctx, "a", 42)

	select {
	case msg := <-ch:
		assert.Equal(t, "a", msg.Key)
		assert.Equal(t, 42, msg.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestGlobalSubscriberSeesAllKeys(t *testing.T) {
	b := NewBus[string, int](zap.NewNop())
	ctx := startBus(t, b)

	ch := b.Subscribe(ctx)
	go func() {
		b.Publish(ctx, "a", 1)
		b.Publish(ctx, "b", 2)
	}()

	first := <-ch
	second := <-ch
	assert.Equal(t, 1, first.Message)
	assert.Equal(t, 2, second.Message)
}

// Cancelling subscribers while a publisher is running must never panic with
// a send on a closed channel.
func TestSubscriberCancelDuringPublish(t *testing.T) {
	b := NewBus[string, int](zap.NewNop())
	ctx := startBus(t, b)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			b.Publish(ctx, "a", i)
		}
	}()

	for i := 0; i < 200; i++ {
		subCtx, subCancel := context.WithCancel(context.Background())
		ch := b.Subscribe(subCtx, "a")
		<-ch
		subCancel()
		for range ch {
		}
	}

	close(stop)
	wg.Wait()
}

func TestSubscriberChannelClosesOnCancel(t *testing.T) {
	b := NewBus[string, int](zap.NewNop())
	startBus(t, b)

	subCtx, subCancel := context.WithCancel(context.Background())
	ch := b.Subscribe(subCtx, "a")
	subCancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}
}
