package connection

import "sync"

// Table is a per-node connection table: a flat slice of entries plus
// a name index, under one lock.
type Table struct {
	mu          sync.Mutex
	connections []*Connection
	byName      map[string]*Connection
}

func NewTable() *Table {
	return &Table{byName: make(map[string]*Connection)}
}

// Add registers a new connection, returning an error if the name is
// already in use.
func (t *Table) Add(cfg Config) (*Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byName[cfg.Name]; exists {
		return nil, errAlreadyRegistered(cfg.Name)
	}
	c := New(cfg)
	t.connections = append(t.connections, c)
	t.byName[cfg.Name] = c
	return c, nil
}

// Register installs an already-constructed Connection, as used when a
// connection must live in more than one table (e.g. a slave's own
// table and the master-wide table the Cyclic Engine iterates) without
// being built twice.
func (t *Table) Register(c *Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	name := c.Config().Name
	if _, exists := t.byName[name]; exists {
		return errAlreadyRegistered(name)
	}
	t.connections = append(t.connections, c)
	t.byName[name] = c
	return nil
}

func (t *Table) Get(name string) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byName[name]
	return c, ok
}

// All returns a snapshot slice of every registered connection, for the
// Cyclic Engine to iterate each cycle.
func (t *Table) All() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Connection, len(t.connections))
	copy(out, t.connections)
	return out
}

// Reset drops every registered connection, used on return to NRT.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections = nil
	t.byName = make(map[string]*Connection)
}

type errAlreadyRegistered string

func (e errAlreadyRegistered) Error() string {
	return "connection: name already registered: " + string(e)
}
