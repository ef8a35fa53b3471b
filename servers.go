package nimbus

import (
	"crypto/rand"
	"math/big"
	"net/url"
	"strings"
)

// defaultURL is seeded when Options carries no explicit server list.
const defaultURL = "nimbus://127.0.0.1:4222"

// endpoint is one broker address the pool may connect to (spec.md §3).
type endpoint struct {
	url             string
	host            string // normalized host:port used for dedup
	isImplicit      bool
	didConnect      bool
	reconnects      int
	tlsName         string
	lastAuthErrCode string
}

// serverPool is the ordered, randomizable set of broker endpoints plus a
// fast dedup set, per spec.md §4.2.
type serverPool struct {
	list []*endpoint
	seen map[string]bool
	cur  int // index of list[cur] == current endpoint
}

func newServerPool(opts *Options) (*serverPool, error) {
	sp := &serverPool{seen: make(map[string]bool)}

	var explicit string
	urls := append([]string{}, opts.Servers...)
	if len(urls) > 0 {
		explicit = urls[0]
	}

	if len(urls) == 0 {
		urls = []string{defaultURL}
	}

	eps := make([]*endpoint, 0, len(urls))
	for _, u := range urls {
		ep, err := newEndpoint(u, false)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}

	if !opts.NoRandomize {
		shuffle(eps)
	}

	if explicit != "" && len(opts.Servers) > 1 {
		moveToFront(eps, explicit)
	}

	for _, ep := range eps {
		if sp.seen[ep.host] {
			continue
		}
		sp.seen[ep.host] = true
		sp.list = append(sp.list, ep)
	}

	if len(sp.list) == 0 {
		return nil, errf(ErrNoServers, "server pool is empty after construction")
	}
	return sp, nil
}

func newEndpoint(raw string, implicit bool) (*endpoint, error) {
	if !strings.Contains(raw, "://") {
		raw = "nimbus://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, errf(ErrInvalidArgument, "invalid server url %q", raw)
	}
	return &endpoint{
		url:        raw,
		host:       normalizeHost(u.Host),
		isImplicit: implicit,
	}, nil
}

// normalizeHost makes localhost/127.0.0.1/[::1] equivalent at a given port,
// and lower-cases the host for case-insensitive dedup.
func normalizeHost(hostport string) string {
	host := hostport
	port := ""
	if idx := strings.LastIndexByte(hostport, ':'); idx >= 0 {
		host = hostport[:idx]
		port = hostport[idx:]
	}
	host = strings.ToLower(host)
	host = strings.Trim(host, "[]")
	switch host {
	case "localhost", "127.0.0.1", "::1":
		host = "localhost"
	}
	return host + port
}

func shuffle(eps []*endpoint) {
	for i := len(eps) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		eps[i], eps[j] = eps[j], eps[i]
	}
}

func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func moveToFront(eps []*endpoint, explicitURL string) {
	for i, ep := range eps {
		if ep.url == explicitURL {
			if i == 0 {
				return
			}
			eps[0], eps[i] = eps[i], eps[0]
			return
		}
	}
}

// current returns the endpoint the connection is presently attached to.
func (sp *serverPool) current() *endpoint {
	if len(sp.list) == 0 {
		return nil
	}
	return sp.list[sp.cur]
}

// next rotates the current endpoint to the back of the list if it still has
// reconnect attempts remaining under maxReconnect, otherwise removes it
// outright, then advances to (and returns) the new current endpoint.
// maxReconnect < 0 means unlimited attempts.
func (sp *serverPool) next(maxReconnect int) *endpoint {
	if len(sp.list) == 0 {
		return nil
	}

	cur := sp.list[sp.cur]
	sp.list = append(sp.list[:sp.cur], sp.list[sp.cur+1:]...)

	if maxReconnect < 0 || cur.reconnects < maxReconnect {
		sp.list = append(sp.list, cur)
	} else {
		delete(sp.seen, cur.host)
	}

	if len(sp.list) == 0 {
		return nil
	}
	sp.cur = 0
	return sp.list[0]
}

// mergeAdvertised folds broker-discovered endpoint URLs into the pool.
// Any implicit, non-current endpoint absent from urls is dropped; any URL
// absent from the pool is added as implicit. Returns whether new endpoints
// were added (spec.md §4.2).
func (sp *serverPool) mergeAdvertised(curHost string, urls []string) (bool, error) {
	advertised := make(map[string]bool, len(urls))
	for _, u := range urls {
		ep, err := newEndpoint(u, true)
		if err != nil {
			continue
		}
		advertised[ep.host] = true
	}

	kept := sp.list[:0]
	for _, ep := range sp.list {
		if ep.isImplicit && ep.host != curHost && !advertised[ep.host] {
			delete(sp.seen, ep.host)
			continue
		}
		kept = append(kept, ep)
	}
	sp.list = kept

	added := false
	for _, u := range urls {
		ep, err := newEndpoint(u, true)
		if err != nil {
			continue
		}
		if sp.seen[ep.host] {
			continue
		}
		sp.seen[ep.host] = true
		sp.list = append(sp.list, ep)
		added = true
	}
	return added, nil
}

// size reports how many endpoints remain in the pool.
func (sp *serverPool) size() int { return len(sp.list) }
