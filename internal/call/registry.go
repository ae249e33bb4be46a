package call

import (
	"sort"

	"github.com/chimelab/chime/internal/rtc"
)

// pair bundles the per-peer machinery of a mesh call: one link, its
// negotiator and its monitor. Pairs belong to the group session's event
// loop, so nothing here locks.
type pair struct {
	remote    string
	polite    bool
	link      rtc.PeerLink
	neg       *negotiator
	mon       *monitor
	connected bool
}

func (p *pair) close() {
	p.mon.stop()
	_ = p.link.Close()
}

// registry is a group session's pair table, keyed by remote user ID.
type registry struct {
	pairs map[string]*pair
}

func newRegistry() *registry {
	return &registry{pairs: make(map[string]*pair)}
}

func (r *registry) get(remote string) (*pair, bool) {
	p, ok := r.pairs[remote]
	return p, ok
}

func (r *registry) put(p *pair) {
	r.pairs[p.remote] = p
}

// remove detaches a pair without closing it; the caller owns shutdown.
func (r *registry) remove(remote string) (*pair, bool) {
	p, ok := r.pairs[remote]
	if ok {
		delete(r.pairs, remote)
	}
	return p, ok
}

func (r *registry) len() int { return len(r.pairs) }

func (r *registry) ids() []string {
	out := make([]string, 0, len(r.pairs))
	for id := range r.pairs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *registry) closeAll() {
	for id, p := range r.pairs {
		p.close()
		delete(r.pairs, id)
	}
}
