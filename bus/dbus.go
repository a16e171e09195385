package bus

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/pinos-project/pinosclient/internal/cos"
	"github.com/pinos-project/pinosclient/internal/nlog"
	"github.com/pinos-project/pinosclient/model"
)

// objectManagerIface and its two signals are the standard DBus idiom for
// discovering a tree of objects/interfaces without per-object introspection
// calls; the daemon publishes Daemon/Client/Source/Sink/Channel objects
// under one root path this way.
const objectManagerIface = "org.freedesktop.DBus.ObjectManager"

// kindByInterface maps the daemon's per-kind D-Bus interface name to the
// Subscribe-roster kind it represents (spec.md §4.3's required kinds).
var kindByInterface = map[string]model.ObjectKind{
	daemonIfaceName:  model.KindDaemon,
	clientIfaceName:  model.KindClient,
	sourceIfaceName:  model.KindSource,
	sinkIfaceName:    model.KindSink,
	channelIfaceName: model.KindChannel,
}

const (
	daemonIfaceName  = "org.pinos.Daemon1"
	clientIfaceName  = "org.pinos.Client1"
	sourceIfaceName  = "org.pinos.Source1"
	sinkIfaceName    = "org.pinos.Sink1"
	channelIfaceName = "org.pinos.Channel1"
)

// DBusBus implements Bus over a real session-bus connection.
type DBusBus struct {
	conn *dbus.Conn

	mu            sync.Mutex
	signals       chan *dbus.Signal
	watches       map[string][]chan NameOwnerEvent
	objectWatches map[string][]chan ObjectEvent // keyed by rootPath
}

// DialSession opens the caller's D-Bus session bus, the transport
// org.pinos (spec.md §6) and every NameOwnerChanged watch ride on.
func DialSession() (*DBusBus, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, cos.NewConnectionClosed("dial session bus", err)
	}
	b := &DBusBus{
		conn:          conn,
		signals:       make(chan *dbus.Signal, 16),
		watches:       make(map[string][]chan NameOwnerEvent),
		objectWatches: make(map[string][]chan ObjectEvent),
	}
	conn.Signal(b.signals)
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		conn.Close()
		return nil, cos.NewProtocolError("install NameOwnerChanged match: %v", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(objectManagerIface),
	); err != nil {
		conn.Close()
		return nil, cos.NewProtocolError("install ObjectManager match: %v", err)
	}
	go b.dispatch()
	return b, nil
}

func (b *DBusBus) dispatch() {
	for sig := range b.signals {
		switch {
		case sig.Name == "org.freedesktop.DBus.NameOwnerChanged" && len(sig.Body) == 3:
			b.dispatchNameOwnerChanged(sig)
		case sig.Name == objectManagerIface+".InterfacesAdded" && len(sig.Body) == 2:
			b.dispatchManagedObjects(sig, true)
		case sig.Name == objectManagerIface+".InterfacesRemoved" && len(sig.Body) == 2:
			b.dispatchManagedObjects(sig, false)
		}
	}
}

func (b *DBusBus) dispatchNameOwnerChanged(sig *dbus.Signal) {
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	b.mu.Lock()
	chans := append([]chan NameOwnerEvent(nil), b.watches[name]...)
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- NameOwnerEvent{Name: name, OldOwner: oldOwner, NewOwner: newOwner}:
		default:
			nlog.Warningf("bus: dropping NameOwnerChanged for %s, watcher not draining", name)
		}
	}
}

// dispatchManagedObjects handles both InterfacesAdded (path, a{sa{sv}}) and
// InterfacesRemoved (path, as) signal bodies; for Added, the keys of the
// interface map are collected into a name list so the two share one
// fan-out path.
func (b *DBusBus) dispatchManagedObjects(sig *dbus.Signal, exists bool) {
	objPath, _ := sig.Body[0].(dbus.ObjectPath)

	var ifaceNames []string
	if exists {
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		for name := range ifaces {
			ifaceNames = append(ifaceNames, name)
		}
	} else {
		ifaceNames, _ = sig.Body[1].([]string)
	}

	b.mu.Lock()
	chans := append([]chan ObjectEvent(nil), b.objectWatches[string(sig.Path)]...)
	b.mu.Unlock()
	if len(chans) == 0 {
		return
	}
	for _, ifaceName := range ifaceNames {
		kind, ok := kindByInterface[ifaceName]
		if !ok {
			continue
		}
		ev := ObjectEvent{Kind: kind, Path: string(objPath), Name: string(objPath), Exists: exists}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
				nlog.Warningf("bus: dropping object event for %s, watcher not draining", objPath)
			}
		}
	}
}

func (b *DBusBus) WatchName(ctx context.Context, busName string) (<-chan NameOwnerEvent, error) {
	ch := make(chan NameOwnerEvent, 4)
	b.mu.Lock()
	b.watches[busName] = append(b.watches[busName], ch)
	b.mu.Unlock()

	var owner string
	if err := b.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, busName).Store(&owner); err == nil {
		ch <- NameOwnerEvent{Name: busName, NewOwner: owner}
	}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		watchers := b.watches[busName]
		for i, c := range watchers {
			if c == ch {
				b.watches[busName] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// WatchObjects discovers destination's Daemon/Client/Source/Sink/Channel
// objects under rootPath via the standard org.freedesktop.DBus.
// ObjectManager pattern: an initial GetManagedObjects snapshot followed by
// InterfacesAdded/InterfacesRemoved deltas, translated into ObjectEvents
// (spec.md §4.3's roster contract, one level below Context's own roster).
func (b *DBusBus) WatchObjects(ctx context.Context, destination, rootPath string) (<-chan ObjectEvent, error) {
	ch := make(chan ObjectEvent, 32)
	b.mu.Lock()
	b.objectWatches[rootPath] = append(b.objectWatches[rootPath], ch)
	b.mu.Unlock()

	go b.primeObjects(ctx, destination, rootPath, ch)

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		watchers := b.objectWatches[rootPath]
		for i, c := range watchers {
			if c == ch {
				b.objectWatches[rootPath] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// primeObjects issues the one-shot GetManagedObjects call every
// ObjectManager-based discovery starts with, reporting every object
// already alive before the InterfacesAdded/Removed stream takes over.
func (b *DBusBus) primeObjects(ctx context.Context, destination, rootPath string, ch chan<- ObjectEvent) {
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := b.conn.Object(destination, dbus.ObjectPath(rootPath))
	call := obj.CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		nlog.Warningf("bus: GetManagedObjects on %s%s: %v", destination, rootPath, call.Err)
		return
	}
	if err := call.Store(&managed); err != nil {
		nlog.Warningf("bus: decode GetManagedObjects on %s%s: %v", destination, rootPath, err)
		return
	}
	for path, ifaces := range managed {
		for ifaceName := range ifaces {
			kind, ok := kindByInterface[ifaceName]
			if !ok {
				continue
			}
			select {
			case ch <- ObjectEvent{Kind: kind, Path: string(path), Name: string(path), Exists: true}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *DBusBus) Call(ctx context.Context, destination, path, iface, method string, args []any, reply any) error {
	obj := b.conn.Object(destination, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, iface+"."+method, 0, args...)
	if call.Err != nil {
		if dbusErr, ok := call.Err.(dbus.Error); ok && dbusErr.Name == "org.freedesktop.DBus.Error.ServiceUnknown" {
			return cos.NewNotFound("dbus call %s.%s on %s", iface, method, destination)
		}
		return cos.NewIoError(call.Err)
	}
	if reply == nil {
		return nil
	}
	if err := call.Store(reply); err != nil {
		return errors.Wrapf(err, "decode reply for %s.%s", iface, method)
	}
	return nil
}

func (b *DBusBus) Close() error {
	close(b.signals)
	return b.conn.Close()
}
