package llmclient

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/config"
)

func testPool(t *testing.T, n int) *Pool {
	t.Helper()
	cfgs := make([]config.LLMClientConfig, n)
	for i := range cfgs {
		cfgs[i] = config.LLMClientConfig{APIKey: "key", BaseURL: "http://localhost", Model: "test-model"}
	}
	return NewPool(cfgs, time.Minute, zap.NewNop())
}

func TestAcquireReturnsLeastLoadedClient(t *testing.T) {
	p := testPool(t, 2)

	h1 := p.Acquire() // both clients now at activeCount 1 after h1+h2
	h2 := p.Acquire()
	p.Release(h1) // h1's client drops back to activeCount 0

	h3 := p.Acquire() // must prefer the idle client over the still-busy one
	if h3.client != h1.client {
		t.Fatalf("expected Acquire to prefer the released, least-loaded client over the still-busy one")
	}
	p.Release(h2)
	p.Release(h3)
}

func TestAcquireBalancesAcrossClientsUnderLoad(t *testing.T) {
	p := testPool(t, 2)

	seen := map[*client]int{}
	handles := make([]*Handle, 0, 4)
	for i := 0; i < 4; i++ {
		h := p.Acquire()
		seen[h.client]++
		handles = append(handles, h)
	}
	if len(seen) != 2 {
		t.Fatalf("expected load spread across both clients, got %d distinct clients used", len(seen))
	}
	for _, h := range handles {
		p.Release(h)
	}
}

func TestReleaseNilHandleIsNoop(t *testing.T) {
	p := testPool(t, 1)
	p.Release(nil) // must not panic
}

func TestExpiredReportsHandlesPastSessionTTL(t *testing.T) {
	p := testPool(t, 1)
	p.ttl = time.Millisecond

	h := p.Acquire()
	time.Sleep(5 * time.Millisecond)
	if !p.Expired(h) {
		t.Fatal("expected a handle held past its TTL to be reported expired")
	}
	p.Release(h)
}
