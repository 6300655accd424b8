// Package campaign maintains the cross-signal correlation graph and
// answers "is this part of a larger campaign" queries.
//
// The graph is an explicit node/edge arena addressed by canonical key,
// not a web of object references: nodes and edges live in maps, edges
// carry a TTL evaluated lazily at query time, and campaigns are derived
// as connected components over the non-expired edge set. Nothing is ever
// hard-deleted, so expired structures stay queryable for audit.
package campaign

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// Mutation lists the nodes and edges touched by one observation, so the
// caller can persist them to the audit store. Entries are detached copies
// taken under the graph lock; later observations never write through them.
type Mutation struct {
	Nodes []*domain.CampaignNode
	Edges []*domain.CampaignEdge
}

// Graph is the correlation graph for one tenant. A single mutex guards
// all state: node upsert, edge upsert, and component computation for a
// signal apply as one atomic unit, so concurrent signals sharing a key
// never observe a torn intermediate state.
type Graph struct {
	mu  sync.Mutex
	cfg domain.CorrelationConfig

	nodes   map[string]*domain.CampaignNode
	edges   map[string]*domain.CampaignEdge
	signals map[string]*signalEntry
	order   int // insertion sequence for timeline tie-breaks

	now func() time.Time
}

type signalEntry struct {
	ref domain.SignalRef
	seq int
}

// NewGraph creates an empty correlation graph.
func NewGraph(cfg domain.CorrelationConfig) *Graph {
	return &Graph{
		cfg:     cfg,
		nodes:   make(map[string]*domain.CampaignNode),
		edges:   make(map[string]*domain.CampaignEdge),
		signals: make(map[string]*signalEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Observe inserts a signal's correlation keys into the graph and returns
// the campaign view for the component they land in, plus the mutation to
// persist. The whole operation is atomic: if ctx is already cancelled,
// nothing is applied. Replaying an already-observed signal id performs
// no mutation and returns the current view.
func (g *Graph) Observe(ctx context.Context, sig *domain.Signal, keys []domain.CorrelationKey) (*domain.CampaignView, *Mutation, error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// All-or-nothing under cancellation: check before mutating, never after.
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	now := g.now()

	if entry, seen := g.signals[sig.ID]; seen {
		view := g.componentView(entry.ref.Keys, now)
		return view, &Mutation{}, nil
	}

	mut := &Mutation{}
	arena := make([]string, 0, len(keys))

	// Upsert one node per key.
	for _, key := range keys {
		id := key.String()
		arena = append(arena, id)

		node, ok := g.nodes[id]
		if !ok {
			node = &domain.CampaignNode{
				Key:       key,
				FirstSeen: now,
			}
			g.nodes[id] = node
		}
		node.LastSeen = now
		node.SignalIDs = append(node.SignalIDs, sig.ID)
		mut.Nodes = append(mut.Nodes, copyNode(node))
	}

	// Edges between every pair of keys co-occurring on this signal.
	for i := 0; i < len(arena); i++ {
		for j := i + 1; j < len(arena); j++ {
			reason := domain.EdgeCoOccurrence
			if keys[i].Kind == domain.KeyRecipient || keys[j].Kind == domain.KeyRecipient {
				reason = domain.EdgeSharedRecipient
			}
			mut.Edges = append(mut.Edges, g.upsertEdge(arena[i], arena[j], reason, now))
		}
	}

	// Fuzzy edges against existing domain nodes.
	for _, key := range keys {
		if key.Kind != domain.KeyDomain {
			continue
		}
		id := key.String()
		for otherID, other := range g.nodes {
			if otherID == id || other.Key.Kind != domain.KeyDomain {
				continue
			}
			if SimilarDomains(key.Value, other.Key.Value, g.cfg.FuzzyDistance) {
				mut.Edges = append(mut.Edges, g.upsertEdge(id, otherID, domain.EdgeFuzzyDomain, now))
			}
		}
	}

	g.signals[sig.ID] = &signalEntry{
		ref: domain.SignalRef{
			SignalID:  sig.ID,
			Channel:   sig.Channel,
			Timestamp: sig.Timestamp,
			Keys:      arena,
		},
		seq: g.order,
	}
	g.order++

	view := g.componentView(arena, now)
	return view, mut, nil
}

// upsertEdge creates or refreshes an edge. Refreshing restarts the TTL.
// Returns a detached copy safe to hand out past the lock.
func (g *Graph) upsertEdge(a, b string, reason domain.EdgeReason, now time.Time) *domain.CampaignEdge {
	if b < a {
		a, b = b, a
	}
	id := a + "|" + b

	edge, ok := g.edges[id]
	if !ok {
		edge = &domain.CampaignEdge{
			A:         a,
			B:         b,
			Reason:    reason,
			CreatedAt: now,
		}
		g.edges[id] = edge
	}
	edge.RefreshedAt = now

	cp := *edge
	return &cp
}

func copyNode(node *domain.CampaignNode) *domain.CampaignNode {
	cp := *node
	cp.SignalIDs = append([]string(nil), node.SignalIDs...)
	return &cp
}

// componentView computes the campaign view for the component reachable
// from the given arena keys over non-expired edges. Caller holds the lock.
func (g *Graph) componentView(seeds []string, now time.Time) *domain.CampaignView {
	member := g.component(seeds, now)

	// Campaign id: lexicographically smallest member node key.
	memberKeys := make([]string, 0, len(member))
	for id := range member {
		memberKeys = append(memberKeys, id)
	}
	sort.Strings(memberKeys)

	// Member signals: union over member nodes, with per-key reference counts
	// to surface keys shared by more than one signal.
	signalSet := make(map[string]bool)
	for id := range member {
		for _, sigID := range g.nodes[id].SignalIDs {
			signalSet[sigID] = true
		}
	}

	refCount := make(map[string]int, len(member))
	channelSet := make(map[domain.ChannelKind]bool)
	entries := make([]*signalEntry, 0, len(signalSet))
	for sigID := range signalSet {
		entry := g.signals[sigID]
		if entry == nil {
			continue
		}
		entries = append(entries, entry)
		channelSet[entry.ref.Channel] = true
		for _, k := range entry.ref.Keys {
			if member[k] {
				refCount[k]++
			}
		}
	}

	// Timeline ascending by timestamp, ties broken by insertion order.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ref.Timestamp.Equal(entries[j].ref.Timestamp) {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].ref.Timestamp.Before(entries[j].ref.Timestamp)
	})

	timeline := make([]domain.TimelineEntry, 0, len(entries))
	for _, e := range entries {
		timeline = append(timeline, domain.TimelineEntry{
			SignalID:  e.ref.SignalID,
			Channel:   e.ref.Channel,
			Timestamp: e.ref.Timestamp,
			Keys:      e.ref.Keys,
		})
	}

	var shared []string
	for _, k := range memberKeys {
		if refCount[k] > 1 {
			shared = append(shared, k)
		}
	}

	channels := sortedChannels(channelSet)

	return &domain.CampaignView{
		CampaignID:  memberKeys[0],
		Coordinated: len(channels) >= 2,
		Channels:    channels,
		SignalCount: len(entries),
		NodeCount:   len(memberKeys),
		SharedKeys:  shared,
		Timeline:    timeline,
	}
}

// component returns the set of arena keys connected to the seeds via
// non-expired edges. Caller holds the lock.
func (g *Graph) component(seeds []string, now time.Time) map[string]bool {
	adj := g.liveAdjacency(now)

	member := make(map[string]bool)
	queue := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if _, ok := g.nodes[s]; ok && !member[s] {
			member[s] = true
			queue = append(queue, s)
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !member[next] {
				member[next] = true
				queue = append(queue, next)
			}
		}
	}
	return member
}

// liveAdjacency builds adjacency restricted to non-expired edges.
// Expiry is evaluated lazily here; no background sweeper exists.
func (g *Graph) liveAdjacency(now time.Time) map[string][]string {
	adj := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		if e.Expired(now, g.cfg.Window) {
			continue
		}
		adj[e.A] = append(adj[e.A], e.B)
		adj[e.B] = append(adj[e.B], e.A)
	}
	return adj
}

// Campaigns returns the current set of live campaigns: every connected
// component over non-expired edges, including singleton nodes, sorted by
// signal count descending then campaign id.
func (g *Graph) Campaigns() []*domain.CampaignStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	adj := g.liveAdjacency(now)

	visited := make(map[string]bool, len(g.nodes))
	var statuses []*domain.CampaignStatus

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if visited[id] {
			continue
		}

		// Flood the component from this node.
		member := []string{id}
		visited[id] = true
		for i := 0; i < len(member); i++ {
			for _, next := range adj[member[i]] {
				if !visited[next] {
					visited[next] = true
					member = append(member, next)
				}
			}
		}
		sort.Strings(member)

		status := g.componentStatus(member)
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].SignalCount != statuses[j].SignalCount {
			return statuses[i].SignalCount > statuses[j].SignalCount
		}
		return statuses[i].CampaignID < statuses[j].CampaignID
	})
	return statuses
}

// componentStatus summarizes one component. Caller holds the lock.
func (g *Graph) componentStatus(member []string) *domain.CampaignStatus {
	signalSet := make(map[string]bool)
	channelSet := make(map[domain.ChannelKind]bool)
	var first, last time.Time

	for _, id := range member {
		node := g.nodes[id]
		if first.IsZero() || node.FirstSeen.Before(first) {
			first = node.FirstSeen
		}
		if node.LastSeen.After(last) {
			last = node.LastSeen
		}
		for _, sigID := range node.SignalIDs {
			if signalSet[sigID] {
				continue
			}
			signalSet[sigID] = true
			if entry := g.signals[sigID]; entry != nil {
				channelSet[entry.ref.Channel] = true
			}
		}
	}

	channels := sortedChannels(channelSet)

	return &domain.CampaignStatus{
		CampaignID:   member[0],
		SignalCount:  len(signalSet),
		NodeCount:    len(member),
		Channels:     channels,
		Coordinated:  len(channels) >= 2,
		FirstSeen:    first,
		LastActivity: last,
	}
}

// View returns the current campaign view for the component containing
// the given campaign id (or any member key). Returns nil when the key
// was never observed.
func (g *Graph) View(key string) *domain.CampaignView {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[key]; !ok {
		return nil
	}
	return g.componentView([]string{key}, g.now())
}

// NodeByKey returns a node for audit, even when all its edges expired.
func (g *Graph) NodeByKey(key string) *domain.CampaignNode {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[key]
	if !ok {
		return nil
	}
	return copyNode(node)
}

// EdgesForKey returns every edge touching a key, expired ones included.
func (g *Graph) EdgesForKey(key string) []*domain.CampaignEdge {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*domain.CampaignEdge
	ids := make([]string, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := g.edges[id]
		if e.A == key || e.B == key {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// Counts returns node/edge/signal totals.
func (g *Graph) Counts() (nodes, edges, signals int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes), len(g.edges), len(g.signals)
}

// Reset clears all graph state.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*domain.CampaignNode)
	g.edges = make(map[string]*domain.CampaignEdge)
	g.signals = make(map[string]*signalEntry)
	g.order = 0
}

// Restore loads persisted graph state, replacing current contents.
// Signal refs must arrive in original insertion order.
func (g *Graph) Restore(nodes []*domain.CampaignNode, edges []*domain.CampaignEdge, refs []domain.SignalRef) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*domain.CampaignNode, len(nodes))
	for _, n := range nodes {
		g.nodes[n.Key.String()] = copyNode(n)
	}

	g.edges = make(map[string]*domain.CampaignEdge, len(edges))
	for _, e := range edges {
		cp := *e
		g.edges[cp.ID()] = &cp
	}

	g.signals = make(map[string]*signalEntry, len(refs))
	g.order = 0
	for _, ref := range refs {
		g.signals[ref.SignalID] = &signalEntry{ref: ref, seq: g.order}
		g.order++
	}
}

func sortedChannels(set map[domain.ChannelKind]bool) []domain.ChannelKind {
	out := make([]domain.ChannelKind, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
