// Package destination models Reticulum destinations: addressable
// endpoints identified by an AddressHash derived from a dotted name and
// an Identity's public key material. A SingleInputDestination is one we
// own (we hold the private identity and can prove link requests); a
// SingleOutputDestination is one we've only learned about from an
// announce (public material only).
package destination

import (
	"fmt"
	"sync"

	"github.com/hexmesh/reticulum-go/core/hash"
	"github.com/hexmesh/reticulum-go/core/identity"
)

// Descriptor is the common addressing information for a destination.
type Descriptor struct {
	AddressHash hash.AddressHash
	Identity    identity.Identity
	Name        string
}

// SingleInputDestination is a destination we own: we hold the private
// identity and can therefore prove LinkRequests addressed to it.
type SingleInputDestination struct {
	Desc    Descriptor
	Private *identity.PrivateIdentity
}

// NewSingleInputDestination creates a local destination from a private
// identity and a dotted app/aspect name.
func NewSingleInputDestination(priv *identity.PrivateIdentity, name string) *SingleInputDestination {
	addr := identity.DestinationAddressHash(name, &priv.Identity)
	return &SingleInputDestination{
		Desc: Descriptor{
			AddressHash: addr,
			Identity:    priv.Identity,
			Name:        name,
		},
		Private: priv,
	}
}

// SingleOutputDestination is a destination we've only learned about from
// an announce: we know the public identity material but not the private
// key, so we can request links to it but never prove requests for it.
type SingleOutputDestination struct {
	Desc    Descriptor
	AppData []byte
}

// NewSingleOutputDestination builds a learned destination descriptor from
// announce contents.
func NewSingleOutputDestination(addr hash.AddressHash, id identity.Identity, name string, appData []byte) *SingleOutputDestination {
	return &SingleOutputDestination{
		Desc: Descriptor{
			AddressHash: addr,
			Identity:    id,
			Name:        name,
		},
		AppData: appData,
	}
}

// Registry holds local input destinations (we own the private key) and
// learned output destinations (we know the public key). This corresponds
// to the Destination Registry in the transport core's system overview.
// Callers serialise access the same way the Transport Handler serialises
// every other table mutation — Registry itself is also safe for
// concurrent use directly.
type Registry struct {
	mu   sync.RWMutex
	in   map[hash.AddressHash]*SingleInputDestination
	out  map[hash.AddressHash]*SingleOutputDestination
}

// NewRegistry creates an empty destination registry.
func NewRegistry() *Registry {
	return &Registry{
		in:  make(map[hash.AddressHash]*SingleInputDestination),
		out: make(map[hash.AddressHash]*SingleOutputDestination),
	}
}

// AddInput registers a local destination we own.
func (r *Registry) AddInput(d *SingleInputDestination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.in[d.Desc.AddressHash] = d
}

// Input looks up a local destination by address hash.
func (r *Registry) Input(addr hash.AddressHash) (*SingleInputDestination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.in[addr]
	return d, ok
}

// UpsertOutput records or refreshes a learned output destination. Returns
// true if this is the first time the address hash has been seen (used by
// the announce idempotence property: re-announcing must not grow the map
// on repeat).
func (r *Registry) UpsertOutput(d *SingleOutputDestination) (isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.out[d.Desc.AddressHash]
	r.out[d.Desc.AddressHash] = d
	return !existed
}

// Output looks up a learned destination by address hash.
func (r *Registry) Output(addr hash.AddressHash) (*SingleOutputDestination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.out[addr]
	return d, ok
}

// OutputCount returns the number of learned output destinations, used by
// tests asserting announce idempotence does not grow the map.
func (r *Registry) OutputCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.out)
}

// String implements fmt.Stringer for log-friendly descriptor output.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%s)", d.Name, d.AddressHash)
}
