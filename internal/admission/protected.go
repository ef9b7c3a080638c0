package admission

import (
	"sort"
	"strings"
)

// SystemNamespaces are never eligible for activation or deactivation.
var SystemNamespaces = []string{"kube-system", "kube-public", "kube-node-lease", "default"}

// ProtectedSet is an immutable set of namespace names.
type ProtectedSet struct {
	names map[string]struct{}
}

// NewProtectedSet builds the set from the system namespaces, the operator's
// own namespace and any extra names. Blank entries are ignored.
func NewProtectedSet(operatorNamespace string, extra ...string) ProtectedSet {
	p := ProtectedSet{names: map[string]struct{}{}}
	for _, group := range [][]string{SystemNamespaces, {operatorNamespace}, extra} {
		for _, n := range group {
			if n = strings.TrimSpace(n); n != "" {
				p.names[n] = struct{}{}
			}
		}
	}
	return p
}

func (p ProtectedSet) Contains(ns string) bool {
	_, ok := p.names[ns]
	return ok
}

func (p ProtectedSet) List() []string {
	out := make([]string, 0, len(p.names))
	for n := range p.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
