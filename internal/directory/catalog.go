package directory

import (
	"sort"
	"sync"

	"qms/orchestrator/internal/models"
)

type Catalog struct {
	mu        sync.RWMutex
	services  map[string]models.Service
	locations map[string]models.Location
}

func NewCatalog() *Catalog {
	return &Catalog{
		services:  make(map[string]models.Service),
		locations: make(map[string]models.Location),
	}
}

func (c *Catalog) UpsertService(service models.Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	service.AssignedEmployeeIDs = append([]string(nil), service.AssignedEmployeeIDs...)
	service.AutoAssignmentRules.PreferredEmployeeIDs = append([]string(nil), service.AutoAssignmentRules.PreferredEmployeeIDs...)
	c.services[service.ID] = service
}

func (c *Catalog) Service(id string) (models.Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[id]
	return s, ok
}

func (c *Catalog) ServicesAt(locationID string) []models.Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Service
	for _, s := range c.services {
		if s.LocationID == locationID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) UpsertLocation(location models.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	location.KnownNetworks = append([]string(nil), location.KnownNetworks...)
	c.locations[location.ID] = location
}

func (c *Catalog) Location(id string) (models.Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.locations[id]
	return l, ok
}

func (c *Catalog) Locations() []models.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Location, 0, len(c.locations))
	for _, l := range c.locations {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
