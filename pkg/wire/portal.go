package wire

import "github.com/ha1tch/pglite/pkg/backend"

// preparedStatement is what Parse stores: raw SQL text plus the client's
// declared parameter OIDs, used only to drive Bind-time coercion. No
// semantic work happens here; it's deferred to the worker.
type preparedStatement struct {
	sql           string
	parameterOIDs []uint32
}

// portal is what Bind produces: a statement reference plus concrete
// bound parameter values, ready for Describe/Execute.
type portal struct {
	statementName string
	sql           string
	parameters    []backend.Parameter
}

// portalStore is the per-connection, in-memory store of named prepared
// statements and bound portals.
// It belongs to exactly one Conn and is never shared across connections.
type portalStore struct {
	statements map[string]preparedStatement
	portals    map[string]portal
}

func newPortalStore() *portalStore {
	return &portalStore{
		statements: make(map[string]preparedStatement),
		portals:    make(map[string]portal),
	}
}

func (s *portalStore) putStatement(name, sql string, oids []uint32) {
	s.statements[name] = preparedStatement{sql: sql, parameterOIDs: oids}
}

func (s *portalStore) statement(name string) (preparedStatement, bool) {
	st, ok := s.statements[name]
	return st, ok
}

func (s *portalStore) putPortal(name string, p portal) {
	s.portals[name] = p
}

func (s *portalStore) portal(name string) (portal, bool) {
	p, ok := s.portals[name]
	return p, ok
}

// closeStatement releases a named statement (Close message, 'S' kind).
func (s *portalStore) closeStatement(name string) {
	delete(s.statements, name)
}

// closePortal releases a named portal (Close message, 'P' kind).
func (s *portalStore) closePortal(name string) {
	delete(s.portals, name)
}
