package campaign

import (
	"context"
	"sync"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// Correlator owns one correlation graph per tenant.
type Correlator struct {
	mu     sync.RWMutex
	cfg    domain.CorrelationConfig
	graphs map[string]*Graph
}

// NewCorrelator creates a correlator with the given graph configuration.
func NewCorrelator(cfg domain.CorrelationConfig) *Correlator {
	return &Correlator{
		cfg:    cfg,
		graphs: make(map[string]*Graph),
	}
}

// Graph returns the tenant's graph, creating it on first use.
func (c *Correlator) Graph(tenantID string) *Graph {
	c.mu.RLock()
	g, ok := c.graphs[tenantID]
	c.mu.RUnlock()
	if ok {
		return g
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok = c.graphs[tenantID]; ok {
		return g
	}
	g = NewGraph(c.cfg)
	c.graphs[tenantID] = g
	return g
}

// Observe routes a signal to its tenant graph.
func (c *Correlator) Observe(ctx context.Context, tenantID string, sig *domain.Signal, keys []domain.CorrelationKey) (*domain.CampaignView, *Mutation, error) {
	return c.Graph(tenantID).Observe(ctx, sig, keys)
}

// Campaigns returns the tenant's live campaign set.
func (c *Correlator) Campaigns(tenantID string) []*domain.CampaignStatus {
	return c.Graph(tenantID).Campaigns()
}

// Reset clears a tenant's graph state.
func (c *Correlator) Reset(tenantID string) {
	c.Graph(tenantID).Reset()
}
