package api

import "sync"

// Hub indexes live connections by id so conditions can reach a single
// connection or every one of them.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Notify queues msg for one connection.
func (h *Hub) Notify(connID string, msg []byte) bool {
	c, ok := h.get(connID)
	if !ok {
		return false
	}
	return c.Send(msg) == nil
}

// NotifyAll queues msg for every connection and returns how many accepted it.
func (h *Hub) NotifyAll(msg []byte) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.Send(msg) == nil {
			sent++
		}
	}
	return sent
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
