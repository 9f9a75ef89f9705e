// Package resolver implements the DNS resolver adapter (component H):
// hostname -> IPv4, backed by an LRU+TTL cache and single-flight
// de-duplication of concurrent lookups for the same hostname.
package resolver

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize and DefaultTTL give the resolver a roughly 100-entry
// LRU cache with a 60-second TTL.
const (
	DefaultCacheSize = 100
	DefaultTTL       = 60 * time.Second
)

// ErrNoAddresses is returned when a lookup succeeds but yields no usable
// IPv4 address.
var ErrNoAddresses = errors.New("resolver: no IPv4 address found")

// Resolver resolves hostnames to IPv4 addresses with a true LRU eviction
// policy and singleflight de-duplication of concurrent lookups.
type Resolver struct {
	group singleflight.Group

	mu       sync.Mutex
	cache    map[string]*list.Element // hostname -> node in lru
	lru      *list.List               // front = most recently used
	capacity int
	ttl      time.Duration

	lookup func(ctx context.Context, hostname string) ([]net.IP, error)

	// OnCacheHit and OnCacheMiss, if set, are called on every Resolve of a
	// non-literal hostname, for the resolver cache hit/miss metrics. Both
	// are nil-checked and may be left unset in tests.
	OnCacheHit  func()
	OnCacheMiss func()
}

type cacheNode struct {
	hostname  string
	ip        string
	expiresAt time.Time
}

// New builds a Resolver with the given capacity and TTL. A capacity or ttl
// of zero falls back to the package defaults.
func New(capacity int, ttl time.Duration) *Resolver {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		cache:    make(map[string]*list.Element, capacity),
		lru:      list.New(),
		capacity: capacity,
		ttl:      ttl,
		lookup: func(ctx context.Context, hostname string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

// Resolve returns the IPv4 string for hostname. Literal IPs are returned
// unchanged without touching the cache or the network
// Concurrent callers for the same hostname share one outstanding lookup.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (string, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return hostname, nil
	}

	if ip, ok := r.get(hostname); ok {
		if r.OnCacheHit != nil {
			r.OnCacheHit()
		}
		return ip, nil
	}
	if r.OnCacheMiss != nil {
		r.OnCacheMiss()
	}

	v, err, _ := r.group.Do(hostname, func() (any, error) {
		addrs, err := r.lookup(ctx, hostname)
		if err != nil {
			return nil, fmt.Errorf("resolver: lookup %s: %w", hostname, err)
		}
		ip := firstIPv4(addrs)
		if ip == "" {
			return nil, ErrNoAddresses
		}
		r.put(hostname, ip)
		return ip, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func firstIPv4(addrs []net.IP) string {
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

func (r *Resolver) get(hostname string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.cache[hostname]
	if !ok {
		return "", false
	}
	node := el.Value.(*cacheNode)
	if time.Now().After(node.expiresAt) {
		r.lru.Remove(el)
		delete(r.cache, hostname)
		return "", false
	}
	r.lru.MoveToFront(el)
	return node.ip, true
}

func (r *Resolver) put(hostname, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.cache[hostname]; ok {
		el.Value.(*cacheNode).ip = ip
		el.Value.(*cacheNode).expiresAt = time.Now().Add(r.ttl)
		r.lru.MoveToFront(el)
		return
	}

	el := r.lru.PushFront(&cacheNode{hostname: hostname, ip: ip, expiresAt: time.Now().Add(r.ttl)})
	r.cache[hostname] = el

	for r.lru.Len() > r.capacity {
		oldest := r.lru.Back()
		if oldest == nil {
			break
		}
		r.lru.Remove(oldest)
		delete(r.cache, oldest.Value.(*cacheNode).hostname)
	}
}

// Len reports the current cache size, for metrics/tests.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}
