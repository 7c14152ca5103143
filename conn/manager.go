package conn

import (
	"container/list"
	"context"
	"sync"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/wire"
	"golang.org/x/time/rate"
)

// Hooks are the actor-supplied authorization/lifecycle callbacks the
// Connection Manager invokes while connecting/disconnecting (§4.5, §4.7).
type Hooks struct {
	// OnBeforeConnect authenticates params before a Conn is minted; a
	// non-nil error rejects the connection.
	OnBeforeConnect func(ctx context.Context, params Params) error
	// CanInvoke authorizes an invocation by kind and name. The Manager
	// itself never calls it; subscription requests are checked against the
	// actor's own Hooks.CanInvoke, and actions are not checked.
	CanInvoke func(ctx context.Context, c *Conn, kind, name string) bool
	// OnConnect fires once per newly minted (not reattached) connection.
	OnConnect func(ctx context.Context, c *Conn)
	// OnDisconnect fires once a connection is fully closed.
	OnDisconnect func(ctx context.Context, c *Conn)
}

// ConnectRequest carries everything prepareAndConnectConn needs to mint or
// reattach a connection (§4.5).
type ConnectRequest struct {
	RequestID    string // empty disables hibernatable reattach matching
	Hibernatable bool
	Encoding     wire.Encoding
	Params       Params
	Transport    Transport
}

// Manager is the per-actor Connection Manager: the live connection set, the
// hibernatable request-id index with LRU eviction, and broadcast fan-out.
type Manager struct {
	hooks           Hooks
	maxHibernatable int
	queueCapacity   int
	rateBurst       rate.Limit

	mu    sync.Mutex
	byID  map[string]*Conn
	// hibernatableLRU orders hibernatable request-ids from least to most
	// recently used; its *list.Element values are looked up by requestID
	// to implement O(1) touch/evict, following the teacher's MemoryCache
	// eviction idiom (runtime/registry/cache.go) generalized from TTL
	// expiry to an explicit capacity bound.
	hibernatableLRU *list.List
	lruIndex        map[string]*list.Element
	byRequestID     map[string]string // requestID -> conn ID
}

type lruEntry struct {
	requestID string
	connID    string
}

// NewManager constructs a Manager enforcing maxHibernatable entries in the
// hibernatable-conn list, with each Conn's send queue sized queueCapacity
// and backpressure limiter burst rateBurst.
func NewManager(hooks Hooks, maxHibernatable, queueCapacity int, rateBurst rate.Limit) *Manager {
	return &Manager{
		hooks:           hooks,
		maxHibernatable: maxHibernatable,
		queueCapacity:   queueCapacity,
		rateBurst:       rateBurst,
		byID:            make(map[string]*Conn),
		hibernatableLRU: list.New(),
		lruIndex:        make(map[string]*list.Element),
		byRequestID:     make(map[string]string),
	}
}

// PrepareAndConnect creates (or reattaches to) a connection per §4.5's
// prepareAndConnectConn contract.
func (m *Manager) PrepareAndConnect(ctx context.Context, id string, req ConnectRequest) (*Conn, error) {
	if m.hooks.OnBeforeConnect != nil {
		if err := m.hooks.OnBeforeConnect(ctx, req.Params); err != nil {
			return nil, actorerr.ForbiddenErr(err.Error())
		}
	}

	m.mu.Lock()
	if req.Hibernatable && req.RequestID != "" {
		if connID, ok := m.byRequestID[req.RequestID]; ok {
			existing := m.byID[connID]
			m.touchLRU(req.RequestID)
			m.mu.Unlock()
			existing.Reattach(req.Transport)
			// No second onConnect fires on reattach (§4.5, P7).
			return existing, nil
		}
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
	}

	c := NewConn(id, req.RequestID, req.Hibernatable, req.Encoding, req.Params, req.Transport, m.queueCapacity, m.rateBurst)

	m.mu.Lock()
	m.byID[c.ID] = c
	if req.Hibernatable && req.RequestID != "" {
		m.addHibernatable(req.RequestID, c.ID)
	}
	m.mu.Unlock()

	if m.hooks.OnConnect != nil {
		m.hooks.OnConnect(ctx, c)
	}
	return c, nil
}

// addHibernatable records requestID -> connID, evicting the least recently
// used entry if maxHibernatable would be exceeded. Caller holds m.mu.
func (m *Manager) addHibernatable(requestID, connID string) {
	if m.maxHibernatable > 0 && m.hibernatableLRU.Len() >= m.maxHibernatable {
		oldest := m.hibernatableLRU.Back()
		if oldest != nil {
			entry := oldest.Value.(lruEntry)
			m.hibernatableLRU.Remove(oldest)
			delete(m.lruIndex, entry.requestID)
			delete(m.byRequestID, entry.requestID)
		}
	}
	el := m.hibernatableLRU.PushFront(lruEntry{requestID: requestID, connID: connID})
	m.lruIndex[requestID] = el
	m.byRequestID[requestID] = connID
}

// touchLRU moves requestID to the most-recently-used position. Caller holds
// m.mu.
func (m *Manager) touchLRU(requestID string) {
	if el, ok := m.lruIndex[requestID]; ok {
		m.hibernatableLRU.MoveToFront(el)
	}
}

// Broadcast enqueues an encoded Event frame to every connection subscribed
// to eventName, encoding it once per distinct wire.Encoding in use rather
// than once per connection. A disconnected or over-capacity connection
// silently drops the event (§4.5 "lossy only in the sense that a
// disconnected connection drops events silently").
func (m *Manager) Broadcast(eventName string, encode func(enc wire.Encoding) ([]byte, error)) error {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	encoded := make(map[wire.Encoding][]byte, 2)
	for _, c := range conns {
		if c.State() != StateOpen || !c.Subscribed(eventName) {
			continue
		}
		data, ok := encoded[c.Encoding]
		if !ok {
			var err error
			data, err = encode(c.Encoding)
			if err != nil {
				return err
			}
			encoded[c.Encoding] = data
		}
		_ = c.Enqueue(data) // overflow is a silent drop for broadcast, not a disconnect trigger here
	}
	return nil
}

// Disconnect closes c cleanly and removes it from the manager's live set
// (§4.5 disconnect()).
func (m *Manager) Disconnect(ctx context.Context, c *Conn, closeCode int) error {
	err := c.Close(ctx, closeCode)

	m.mu.Lock()
	delete(m.byID, c.ID)
	if c.RequestID != "" {
		if el, ok := m.lruIndex[c.RequestID]; ok {
			m.hibernatableLRU.Remove(el)
			delete(m.lruIndex, c.RequestID)
		}
		delete(m.byRequestID, c.RequestID)
	}
	m.mu.Unlock()

	if m.hooks.OnDisconnect != nil {
		m.hooks.OnDisconnect(ctx, c)
	}
	return err
}

// Suspend transitions every currently open hibernatable connection to
// StateSuspended, called when the hibernation controller idles the actor
// out (§4.8). Non-hibernatable connections are disconnected instead, since
// they have nowhere to be reattached to after the actor unloads.
func (m *Manager) Suspend(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if c.Hibernatable {
			c.Suspend()
			continue
		}
		_ = m.Disconnect(ctx, c, 1000)
	}
}

// Get returns the connection with id, if live.
func (m *Manager) Get(id string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	return c, ok
}

// HibernatableRequestIDs returns the current hibernatable-conns list,
// most-recently-used first, for persistence (§4.5, §4.8).
func (m *Manager) HibernatableRequestIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, m.hibernatableLRU.Len())
	for el := m.hibernatableLRU.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(lruEntry).requestID)
	}
	return out
}

// HibernatableConns returns the current hibernatable Conn records,
// most-recently-used first, so a caller can persist enough per-connection
// state (RequestID, Encoding, Params) to restore placeholder records after
// a hibernate/wake cycle (§4.8).
func (m *Manager) HibernatableConns() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, m.hibernatableLRU.Len())
	for el := m.hibernatableLRU.Front(); el != nil; el = el.Next() {
		entry := el.Value.(lruEntry)
		if c, ok := m.byID[entry.connID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Conns returns every currently live connection, hibernatable or not, for
// the idle-detection policy's "no live non-hibernatable connections" check
// (§4.8).
func (m *Manager) Conns() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out
}

// Restore re-registers a previously hibernated connection record into the
// manager's live and hibernatable indices without minting a fresh Conn or
// firing onConnect, so a later reattach by request id finds it (§4.8 wake).
func (m *Manager) Restore(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.ID] = c
	if c.Hibernatable && c.RequestID != "" {
		m.addHibernatable(c.RequestID, c.ID)
	}
}
