package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const peerIdleTTL = 10 * time.Minute

type peerEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// peerLimiter is a token bucket per remote host for instruction submission.
// A nil limiter allows everything.
type peerLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	peers     map[string]*peerEntry
	lastSweep time.Time
	now       func() time.Time
}

func newPeerLimiter(perSecond float64, burst int) *peerLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &peerLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		peers: make(map[string]*peerEntry),
		now:   time.Now,
	}
}

func (p *peerLimiter) allow(host string) bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.lastSweep) > peerIdleTTL {
		for h, e := range p.peers {
			if now.Sub(e.seen) > peerIdleTTL {
				delete(p.peers, h)
			}
		}
		p.lastSweep = now
	}

	e, ok := p.peers[host]
	if !ok {
		e = &peerEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.peers[host] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1)
}

func peerHost(ctx context.Context) string {
	pr, ok := peer.FromContext(ctx)
	if !ok || pr.Addr == nil {
		return "unknown"
	}
	return hostOf(pr.Addr.String())
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// unaryInterceptor limits Submit only; reads are not rate limited.
func (p *peerLimiter) unaryInterceptor(onLimited func(transport string)) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == methodSubmit && !p.allow(peerHost(ctx)) {
			onLimited("grpc")
			return nil, status.Error(codes.ResourceExhausted, "submission rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func (p *peerLimiter) allowHTTP(r *http.Request) bool {
	return p.allow(hostOf(r.RemoteAddr))
}
