package multi

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingResolver(size int, ttl time.Duration, fn func(host string) ([]netip.Addr, error)) (*CachingResolver, *atomic.Int32) {
	calls := &atomic.Int32{}
	r := NewCachingResolver(size, ttl)
	r.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		calls.Add(1)
		return fn(host)
	}
	return r, calls
}

func TestResolverLiteralBypassesCache(t *testing.T) {
	r, calls := countingResolver(8, time.Minute, func(string) ([]netip.Addr, error) {
		return nil, errStub
	})
	addrs, err := r.LookupHost(context.Background(), "::ffff:127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, addrs)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, r.Len())
}

func TestResolverCaches(t *testing.T) {
	want := []netip.Addr{netip.MustParseAddr("10.0.0.1")}
	r, calls := countingResolver(8, time.Minute, func(string) ([]netip.Addr, error) {
		return want, nil
	})
	for i := 0; i < 3; i++ {
		addrs, err := r.LookupHost(context.Background(), "svc.local")
		require.NoError(t, err)
		assert.Equal(t, want, addrs)
	}
	assert.Equal(t, int32(1), calls.Load())

	r.Purge()
	_, err := r.LookupHost(context.Background(), "svc.local")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolverErrorsNotCached(t *testing.T) {
	r, calls := countingResolver(8, time.Minute, func(string) ([]netip.Addr, error) {
		return nil, errStub
	})
	for i := 0; i < 2; i++ {
		_, err := r.LookupHost(context.Background(), "down.local")
		assert.ErrorIs(t, err, errStub)
	}
	assert.Equal(t, int32(2), calls.Load())

	empty, _ := countingResolver(8, time.Minute, func(string) ([]netip.Addr, error) {
		return nil, nil
	})
	_, err := empty.LookupHost(context.Background(), "empty.local")
	assert.ErrorIs(t, err, errNoAddress)
}

func TestResolverEntriesExpire(t *testing.T) {
	r, calls := countingResolver(8, 20*time.Millisecond, func(string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("10.0.0.2")}, nil
	})
	_, err := r.LookupHost(context.Background(), "ttl.local")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = r.LookupHost(context.Background(), "ttl.local")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolverCollapsesConcurrentLookups(t *testing.T) {
	release := make(chan struct{})
	r, calls := countingResolver(8, time.Minute, func(string) ([]netip.Addr, error) {
		<-release
		return []netip.Addr{netip.MustParseAddr("10.0.0.3")}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addrs, err := r.LookupHost(context.Background(), "busy.local")
			assert.NoError(t, err)
			assert.Len(t, addrs, 1)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	// 等待其余查询加入同一次解析
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolverContextTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r, _ := countingResolver(8, time.Minute, func(string) ([]netip.Addr, error) {
		<-release
		return nil, errStub
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.LookupHost(ctx, "slow.local")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
