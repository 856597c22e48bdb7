package catalog

import "sync"

// Catalog aggregates built-in tools and the tools of every server.
// Listing order is stable: built-ins in registration order, then each
// server's tools in the order the server was first added.
type Catalog struct {
	mu       sync.RWMutex
	builtins []*Tool
	servers  map[string][]*Tool
	order    []string
	byID     map[string]*Tool
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		servers: make(map[string][]*Tool),
		byID:    make(map[string]*Tool),
	}
}

// AddBuiltin registers a built-in tool, replacing one with the same id.
func (c *Catalog) AddBuiltin(t *Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, b := range c.builtins {
		if b.ID == t.ID {
			c.builtins[i] = t
			c.byID[t.ID] = t
			return
		}
	}
	c.builtins = append(c.builtins, t)
	c.byID[t.ID] = t
}

// SetServerTools replaces the tool list of serverID.
func (c *Catalog) SetServerTools(serverID string, tools []*Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, old := range c.servers[serverID] {
		delete(c.byID, old.ID)
	}
	if _, ok := c.servers[serverID]; !ok {
		c.order = append(c.order, serverID)
	}
	c.servers[serverID] = tools
	for _, t := range tools {
		c.byID[t.ID] = t
	}
}

// SetServerAvailable flips availability of every tool of serverID and
// reports whether any tool changed.
func (c *Catalog) SetServerAvailable(serverID string, available bool) bool {
	c.mu.RLock()
	tools := c.servers[serverID]
	c.mu.RUnlock()

	changed := false
	for _, t := range tools {
		if t.SetAvailable(available) {
			changed = true
		}
	}
	return changed
}

// RemoveServer drops every tool of serverID.
func (c *Catalog) RemoveServer(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tools, ok := c.servers[serverID]
	if !ok {
		return
	}
	for _, t := range tools {
		delete(c.byID, t.ID)
	}
	delete(c.servers, serverID)
	for i, id := range c.order {
		if id == serverID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// All returns every tool in listing order.
func (c *Catalog) All() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Tool, 0, len(c.byID))
	out = append(out, c.builtins...)
	for _, id := range c.order {
		out = append(out, c.servers[id]...)
	}
	return out
}

// ServerTools returns the tools of serverID.
func (c *Catalog) ServerTools(serverID string) []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Tool(nil), c.servers[serverID]...)
}

// Lookup finds a tool by id.
func (c *Catalog) Lookup(id string) (*Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[id]
	return t, ok
}

// Counts returns the number of built-in and external tools.
func (c *Catalog) Counts() (builtin, external int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	builtin = len(c.builtins)
	for _, tools := range c.servers {
		external += len(tools)
	}
	return builtin, external
}
