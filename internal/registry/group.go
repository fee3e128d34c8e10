package registry

// group is a named ordered set of namespace names (§4.C). Lookup in a
// group returns the first hit by iteration order over members; duplicate
// procedure names across member namespaces are allowed, enabling failover.
type group struct {
	name    string
	members []string
}
