package pricing

import (
	"context"
	"sync"

	"github.com/wolfman30/carebook/internal/apperr"
)

// MemoryCatalog is an in-process Catalog for development and tests.
type MemoryCatalog struct {
	mu       sync.RWMutex
	services map[string]Service
}

func NewMemoryCatalog(services ...Service) *MemoryCatalog {
	c := &MemoryCatalog{services: make(map[string]Service)}
	for _, s := range services {
		c.Put(s)
	}
	return c
}

// Put inserts or replaces a service.
func (c *MemoryCatalog) Put(s Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[s.ID] = s
}

func (c *MemoryCatalog) GetService(_ context.Context, id string) (*Service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[id]
	if !ok {
		return nil, apperr.NotFound("service not found")
	}
	return cloneService(s), nil
}

func (c *MemoryCatalog) ServiceForEventType(_ context.Context, eventTypeID string) (*Service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.services {
		if eventTypeID != "" && s.ExternalEventTypeID == eventTypeID {
			return cloneService(s), nil
		}
	}
	return nil, apperr.NotFound("no service mapped to event type")
}

func cloneService(s Service) *Service {
	out := s
	out.Rules = append([]Rule(nil), s.Rules...)
	return &out
}
