package state

import "github.com/JakeFAU/nodeinfo-crawler/internal/crawler"

// Tx buffers the state changes of one crawl attempt. Nothing reaches the
// store until Commit, so an abandoned attempt leaves no partial entry.
type Tx struct {
	store   *Store
	pending map[string]*change
	order   []string
}

// change holds the halves of one host record written by the attempt.
type change struct {
	robots   *crawler.RobotsState
	nodeInfo *crawler.NodeInfoState
}

func (c *change) apply(hs crawler.HostState) crawler.HostState {
	if c.robots != nil {
		hs.Robots = *c.robots
	}
	if c.nodeInfo != nil {
		hs.NodeInfo = *c.nodeInfo
	}
	return hs
}

// Begin starts a transaction against the store.
func (s *Store) Begin() *Tx {
	return &Tx{
		store:   s,
		pending: make(map[string]*change),
	}
}

// Get returns the store's current state for host with this attempt's
// buffered writes laid over it.
func (t *Tx) Get(host string) crawler.HostState {
	hs := t.store.Get(host)
	if c, ok := t.pending[host]; ok {
		hs = c.apply(hs)
	}
	return hs
}

// PutRobots buffers a robots decision for host.
func (t *Tx) PutRobots(host string, rs crawler.RobotsState) {
	t.changeFor(host).robots = &rs
}

// PutNodeInfo buffers a NodeInfo result for host.
func (t *Tx) PutNodeInfo(host string, ns crawler.NodeInfoState) {
	t.changeFor(host).nodeInfo = &ns
}

func (t *Tx) changeFor(host string) *change {
	c, ok := t.pending[host]
	if !ok {
		c = &change{}
		t.pending[host] = c
		t.order = append(t.order, host)
	}
	return c
}

// Commit re-reads each touched entry under a single store lock and writes
// back only the halves this attempt changed.
func (t *Tx) Commit() {
	if len(t.pending) == 0 {
		return
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, host := range t.order {
		t.store.hosts[host] = normalize(t.pending[host].apply(t.store.hosts[host]))
	}
	t.pending = make(map[string]*change)
	t.order = nil
}
