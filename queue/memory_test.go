package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerPriorityOrdering(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reqs := []ExtractRequest{
		{MRN: "low", Accession: "A", Project: "p1", Priority: 1},
		{MRN: "high", Accession: "A", Project: "p1", Priority: 5},
		{MRN: "mid", Accession: "A", Project: "p1", Priority: 3},
	}
	for _, r := range reqs {
		require.NoError(t, b.Publish(ctx, Primary, r))
	}

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, Primary, 1, func(_ context.Context, d Delivery) error {
			mu.Lock()
			order = append(order, d.Request.MRN)
			mu.Unlock()
			if len(order) == len(reqs) {
				close(done)
			}
			return d.Ack()
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	require.Equal(t, []string{"high", "mid", "low"}, order)
}
