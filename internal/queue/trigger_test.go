package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchQueue_DropsWhenFull(t *testing.T) {
	q := NewDispatchQueue(2)

	// three dispatches into a buffer of two must not block
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			q.Dispatch(context.Background(), testKey)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full buffer")
	}

	assert.Len(t, q.ch, 2)
}

func TestDispatchQueue_DefaultBufferSize(t *testing.T) {
	q := NewDispatchQueue(0)
	assert.Equal(t, 64, cap(q.ch))
}

func TestWorker_ProcessesTriggers(t *testing.T) {
	store := newMemStore()
	gateway := newMockGateway()
	q := NewDispatchQueue(16)
	svc := NewService(DefaultServiceConfig(), store, gateway, q)

	worker := NewWorker(q, svc, 2)
	worker.Start(context.Background())
	defer worker.Stop()

	for i := 0; i < 3; i++ {
		key := Key{RecipientID: fmt.Sprintf("user%d", i), QueueName: "drip"}
		require.NoError(t, svc.EnqueueBatch(context.Background(), key, []Message{{Body: "hello"}}))
	}

	require.Eventually(t, func() bool {
		return gateway.sendCount() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_AdvancesQueueOnDelivery(t *testing.T) {
	store := newMemStore()
	gateway := newMockGateway()
	q := NewDispatchQueue(16)
	svc := NewService(DefaultServiceConfig(), store, gateway, q)

	worker := NewWorker(q, svc, 1)
	worker.Start(context.Background())
	defer worker.Stop()

	require.NoError(t, svc.EnqueueBatch(context.Background(), testKey, []Message{{Body: "a"}, {Body: "b"}}))

	// wait for the provider id to be linked, not just for the send
	var pmid string
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		for _, e := range store.entries {
			if e.SequenceNumber == 1 && e.ProviderMessageID != "" {
				pmid = e.ProviderMessageID
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.OnDelivered(context.Background(), pmid))

	require.Eventually(t, func() bool {
		return gateway.sendCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "b", gateway.sends[1].Body)
}

func TestWorker_StopWaitsForWorkers(t *testing.T) {
	store := newMemStore()
	gateway := newMockGateway()
	q := NewDispatchQueue(16)
	svc := NewService(DefaultServiceConfig(), store, gateway, q)

	worker := NewWorker(q, svc, 4)
	worker.Start(context.Background())

	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
