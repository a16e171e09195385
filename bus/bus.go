// Package bus is the client's view of spec.md §2's abstract "Bus": the
// transport Context uses to locate the daemon, watch its name, and issue
// the one synchronous RPC (ConnectClient) the handshake needs. The pack
// has no repo that speaks D-Bus directly, so this is enrichment grounded
// on github.com/godbus/dbus/v5's documented session-bus API rather than
// on any one teacher file; the surrounding dial/retry shape follows the
// teacher's cluster bootstrap client in cluster/bootstrap.go.
package bus

import (
	"context"

	"github.com/pinos-project/pinosclient/model"
)

// NameOwnerEvent mirrors org.freedesktop.DBus's NameOwnerChanged signal:
// a well-known name gaining or losing an owner.
type NameOwnerEvent struct {
	Name     string
	OldOwner string
	NewOwner string
}

// ObjectEvent is one Subscribe-roster sighting sourced from the bus: the
// daemon's ObjectManager reporting an interface appearing on or vanishing
// from some object path (spec.md §4.3's (kind, event, handle) contract,
// translated one level down to what the bus actually hands Context).
type ObjectEvent struct {
	Kind   model.ObjectKind
	Path   string
	Name   string
	Exists bool
}

// Bus is the seam pctx.Context depends on; DBusBus is the only production
// implementation, but tests substitute a fake.
type Bus interface {
	// WatchName starts watching busName for ownership changes, delivering
	// every change (including the initial ownership, if any) on the
	// returned channel until ctx is canceled or Close is called.
	WatchName(ctx context.Context, busName string) (<-chan NameOwnerEvent, error)
	// WatchObjects discovers the daemon/client/source/sink/channel
	// objects destination publishes under rootPath via its
	// org.freedesktop.DBus.ObjectManager interface, delivering an initial
	// snapshot followed by every InterfacesAdded/InterfacesRemoved delta
	// on the returned channel until ctx is canceled.
	WatchObjects(ctx context.Context, destination, rootPath string) (<-chan ObjectEvent, error)
	// Call issues a synchronous method call against destination/path and
	// decodes the reply into reply (a pointer), returning a
	// cos.KindNotFound-classified error if destination has no owner.
	Call(ctx context.Context, destination, path, iface, method string, args []any, reply any) error
	// Close releases the underlying connection.
	Close() error
}
