package multi

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

var errNoAddress = errors.New("multi: no address")

// Resolver 将主机名解析为地址列表。实现必须可并发调用。
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// CachingResolver 带过期 LRU 缓存的解析器，同一主机的并发查询合并为一次。
type CachingResolver struct {
	cache  *expirable.LRU[string, []netip.Addr]
	group  singleflight.Group
	lookup func(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewCachingResolver size <= 0 时使用 256；ttl <= 0 时条目不过期。
func NewCachingResolver(size int, ttl time.Duration) *CachingResolver {
	if size <= 0 {
		size = 256
	}
	if ttl < 0 {
		ttl = 0
	}
	return &CachingResolver{
		cache: expirable.NewLRU[string, []netip.Addr](size, nil, ttl),
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
}

func (r *CachingResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	if addrs, ok := r.cache.Get(host); ok {
		return addrs, nil
	}
	ch := r.group.DoChan(host, func() (any, error) {
		addrs, err := r.lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, errNoAddress
		}
		out := make([]netip.Addr, len(addrs))
		for i, a := range addrs {
			out[i] = a.Unmap()
		}
		r.cache.Add(host, out)
		return out, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]netip.Addr), nil
	}
}

// Len 返回缓存条目数
func (r *CachingResolver) Len() int { return r.cache.Len() }

// Purge 清空缓存
func (r *CachingResolver) Purge() { r.cache.Purge() }
