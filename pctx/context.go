// Package pctx implements the Context lifecycle: the dbus handshake that
// takes a client from Unconnected to Ready (spec.md §2/§4.1), grounded on
// original_source/pinos/client/context.c's PinosContext state machine.
package pctx

import (
	"context"
	"sync"

	"github.com/pinos-project/pinosclient/bus"
	"github.com/pinos-project/pinosclient/internal/cos"
	"github.com/pinos-project/pinosclient/internal/mono"
	"github.com/pinos-project/pinosclient/internal/nlog"
	"github.com/pinos-project/pinosclient/metrics"
	"github.com/pinos-project/pinosclient/model"
	"github.com/pinos-project/pinosclient/pconfig"
	"github.com/pinos-project/pinosclient/reactor"
)

// daemonPath/daemonIface/clientIface are the fixed object path and
// interfaces the daemon publishes its ConnectClient/Disconnect RPCs
// under (spec.md §6), following the well-known-name convention
// original_source/pinos/client/pinos.h hard-codes as PINOS_DBUS_SERVICE.
// rosterRootPath is the ObjectManager root the daemon publishes its
// Daemon/Client/Source/Sink/Channel objects under.
const (
	daemonPath     = "/org/pinos/daemon"
	daemonIface    = "org.pinos.Daemon1"
	clientIface    = "org.pinos.Client1"
	rosterRootPath = "/org/pinos"
	methodConnect  = "ConnectClient"
	methodDisc     = "Disconnect"
)

// Flags mirror PinosContextFlags.
type Flags uint32

const (
	// FlagNoAutostart is stored on the Context but not consulted:
	// WatchName never requests bus activation of the daemon, whether or
	// not this flag is set.
	FlagNoAutostart Flags = 1 << iota
	// FlagNoFail keeps the Context in Connecting rather than moving to
	// Error when the daemon's name is lost.
	FlagNoFail
)

// Context is the client's connection to the daemon: its lifecycle state,
// its negotiated client object path, and the roster of remote objects it
// is subscribed to.
type Context struct {
	cfg   *pconfig.Config
	b     bus.Bus
	react *reactor.Reactor
	mx    *metrics.Set
	flags Flags
	mask  model.KindMask

	roster *bus.Roster

	mu            sync.Mutex
	state         State
	err           error
	props         *model.Properties
	clientPath    string
	pendingClient string
	cancelWatch   context.CancelFunc
	opCtx         context.Context
	disconnecting bool

	// The five roster lists spec.md §3 requires: daemon/client are the
	// single resolved handles (nil until observed), the rest are the
	// tracked sets the subscription fan-out keeps in sync with the bus.
	daemon   *bus.Handle
	client   *bus.Handle
	clients  []*bus.Handle
	sources  []*bus.Handle
	sinks    []*bus.Handle
	channels []*bus.Handle

	stateObservers        model.Observers[func(State, error)]
	subscriptionObservers model.Observers[func(model.EventType, model.ObjectKind, *bus.Handle)]
}

// New constructs an unconnected Context. b is typically a *bus.DBusBus;
// tests substitute a fake. A nil cfg uses pconfig.Default(). mask is the
// subscription_mask (spec.md §3): the set of kinds forwarded to
// OnSubscriptionEvent observers (the roster itself always tracks every
// kind, regardless of mask).
func New(b bus.Bus, react *reactor.Reactor, mx *metrics.Set, cfg *pconfig.Config, flags Flags, mask model.KindMask, props *model.Properties) *Context {
	if props == nil {
		props = model.NewProperties()
	}
	c := &Context{
		cfg:    pconfig.Normalize(cfg),
		b:      b,
		react:  react,
		mx:     mx,
		flags:  flags,
		mask:   mask,
		roster: bus.NewRoster(),
		props:  props,
		state:  StateUnconnected,
	}
	if mx != nil {
		mx.SetState(states, StateUnconnected.String())
	}
	c.roster.OnStateChange(c.onRosterStateChange)
	go c.rosterEventLoop()
	return c
}

// State returns the Context's current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the Context into StateError, if any.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Properties returns the Context's property bag (application.name and
// whatever else the caller has set), sent verbatim as ConnectClient's
// argument.
func (c *Context) Properties() *model.Properties { return c.props }

// Roster returns the Context's Subscribe-roster of remote objects.
func (c *Context) Roster() *bus.Roster { return c.roster }

// Daemon returns the resolved Daemon handle, or nil if none has been
// observed yet (spec.md §3's `daemon` slot).
func (c *Context) Daemon() *bus.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.daemon
}

// Client returns the Context's own resolved Client handle, or nil before
// the handshake completes (spec.md §3's `client` slot; the Ready
// invariant requires this be non-nil).
func (c *Context) Client() *bus.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Clients, Sources, Sinks, and Channels return snapshots of the
// subscription fan-out's per-kind lists (spec.md §3/§4.1).
func (c *Context) Clients() []*bus.Handle {
	return c.snapshotList(func() []*bus.Handle { return c.clients })
}

func (c *Context) Sources() []*bus.Handle {
	return c.snapshotList(func() []*bus.Handle { return c.sources })
}

func (c *Context) Sinks() []*bus.Handle {
	return c.snapshotList(func() []*bus.Handle { return c.sinks })
}

func (c *Context) Channels() []*bus.Handle {
	return c.snapshotList(func() []*bus.Handle { return c.channels })
}

func (c *Context) snapshotList(get func() []*bus.Handle) []*bus.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := get()
	out := make([]*bus.Handle, len(src))
	copy(out, src)
	return out
}

// OnStateChange registers fn to be called (on the reactor goroutine)
// whenever the Context's state changes; it returns a token for
// model.Observers.Remove.
func (c *Context) OnStateChange(fn func(State, error)) int {
	return c.stateObservers.Add(fn)
}

// OnSubscriptionEvent registers fn to be called for every roster delta
// whose kind is in this Context's subscription_mask (spec.md §4.1's
// "Subscription fan-out" operation).
func (c *Context) OnSubscriptionEvent(fn func(model.EventType, model.ObjectKind, *bus.Handle)) int {
	return c.subscriptionObservers.Add(fn)
}

func (c *Context) setState(s State, err error) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	if err != nil {
		c.err = err
	}
	c.mu.Unlock()
	if c.mx != nil {
		c.mx.SetState(states, s.String())
	}
	c.stateObservers.Each(func(fn func(State, error)) { fn(s, err) })
}

// Connect begins the handshake: watch the daemon's well-known bus name,
// and on ownership start populating the Subscribe-roster; once the
// roster reaches Ready, ConnectClient is driven to completion (spec.md
// §4.1's Unconnected -> Connecting -> Registering -> Ready transition
// chain). ctx bounds the whole connect attempt, not just the first RPC;
// Context remains usable after ctx is canceled, but no further state
// transitions will be attempted.
func (c *Context) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUnconnected {
		c.mu.Unlock()
		return cos.NewInvalidArgument("connect called in state %s", c.state)
	}
	c.mu.Unlock()

	watchCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelWatch = cancel
	c.opCtx = watchCtx
	c.mu.Unlock()

	c.react.PostWait(func() { c.setState(StateConnecting, nil) })

	events, err := c.b.WatchName(watchCtx, c.cfg.BusName)
	if err != nil {
		cancel()
		c.react.PostWait(func() { c.setState(StateError, err) })
		return err
	}
	go c.watchLoop(watchCtx, events)
	return nil
}

func (c *Context) watchLoop(ctx context.Context, events <-chan bus.NameOwnerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.react.Post(func() { c.onNameOwnerChanged(ctx, ev) })
		}
	}
}

// onNameOwnerChanged implements spec.md §4.1's "name appeared"/"name
// vanished" rows. Name appearing hands the connection + name to the
// Subscribe-roster and waits for it to reach Ready before issuing
// ConnectClient (onRosterStateChange does that once the Daemon handle
// resolves); it does not jump straight to Registering.
func (c *Context) onNameOwnerChanged(ctx context.Context, ev bus.NameOwnerEvent) {
	if ev.NewOwner != "" {
		c.startRosterWatch(ctx)
		return
	}

	// Name lost. An expected part of an in-progress Disconnect, not a
	// failure (original_source's on_name_vanished never even consults
	// priv->client; that distinct check lives in subscription_cb, see
	// onRosterEvent below).
	c.mu.Lock()
	disconnecting := c.disconnecting
	c.mu.Unlock()
	if disconnecting {
		return
	}

	if c.flags&FlagNoFail != 0 {
		// The roster must report Ready afresh once the name reappears,
		// so the handshake runs again from Connecting.
		c.roster.Reset()
		c.setState(StateConnecting, nil)
		return
	}
	nlog.Warningf("pctx: daemon name owner vanished")
	c.setState(StateError, cos.NewConnectionClosed("daemon name owner vanished", nil))
}

// startRosterWatch asks the bus to begin discovering the daemon's
// Daemon/Client/Source/Sink/Channel objects and feeds every sighting into
// c.roster; the roster itself decides when it has reached Ready.
func (c *Context) startRosterWatch(ctx context.Context) {
	events, err := c.b.WatchObjects(ctx, c.cfg.BusName, rosterRootPath)
	if err != nil {
		c.setState(StateError, err)
		return
	}
	go c.rosterObjectLoop(ctx, events)
}

func (c *Context) rosterObjectLoop(ctx context.Context, events <-chan bus.ObjectEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ev := ev
			c.react.Post(func() { c.roster.Observe(ev.Kind, ev.Path, ev.Name, ev.Exists) })
		}
	}
}

// rosterEventLoop drains the roster's delta stream for this Context's
// entire lifetime, posting each delta onto the reactor so list
// maintenance and subscription-event fan-out happen under the same
// single-writer discipline as every other state mutation (spec.md §5).
func (c *Context) rosterEventLoop() {
	for ev := range c.roster.Events() {
		ev := ev
		c.react.Post(func() { c.onRosterEvent(ev) })
	}
}

// onRosterStateChange implements spec.md §4.1's "Connecting | subscribe
// reached Ready | Registering | issue ConnectClient" row. It fires
// synchronously from within Roster.Observe, already on the reactor
// goroutine (Observe is only ever called via a react.Post in
// rosterObjectLoop), so no further posting is needed here.
func (c *Context) onRosterStateChange(s bus.State) {
	if s != bus.StateReady {
		return
	}
	c.mu.Lock()
	ready := c.state == StateConnecting
	ctx := c.opCtx
	c.mu.Unlock()
	if !ready {
		return
	}
	c.setState(StateRegistering, nil)
	go c.connectClient(ctx)
}

func (c *Context) connectClient(ctx context.Context) {
	start := mono.NanoTime()
	var clientPath string
	err := c.b.Call(ctx, c.cfg.BusName, daemonPath, daemonIface, methodConnect,
		[]any{c.props.Clone()}, &clientPath)
	if err != nil {
		c.react.Post(func() { c.setState(StateError, err) })
		return
	}
	c.mu.Lock()
	c.clientPath = clientPath
	c.mu.Unlock()
	nlog.Infof("pctx: ConnectClient completed in %s, client path %s", mono.Since(start), clientPath)
	c.react.Post(func() { c.resolveClientProxy(clientPath) })
}

// resolveClientProxy implements spec.md §4.1's "Registering | ConnectClient
// succeeds | Registering | request proxy for returned client path" and
// "Registering | proxy resolved | Ready" rows: it runs on the reactor, so
// it can race-free check whether the roster has already observed the
// returned client path (original_source's on_client_connected issuing a
// pinos_subscribe_get_proxy that may resolve before or after this point).
func (c *Context) resolveClientProxy(clientPath string) {
	if h, ok := c.roster.Lookup(model.KindClient, clientPath); ok {
		c.mu.Lock()
		c.client = h
		c.mu.Unlock()
		c.setState(StateReady, nil)
		return
	}
	c.mu.Lock()
	c.pendingClient = clientPath
	c.mu.Unlock()
}

// onRosterEvent implements spec.md §4.1's "Subscription fan-out": it
// updates the matching roster list unconditionally, resolves a pending
// client-proxy wait, detects the "own client removed while not
// disconnecting" Ready->Error transition (spec.md §4.1/§8 scenario 3),
// and finally forwards the delta to subscription-event observers if its
// kind is in the mask.
func (c *Context) onRosterEvent(ev bus.RosterEvent) {
	h := ev.Handle

	switch h.Kind {
	case model.KindDaemon:
		c.mu.Lock()
		if ev.Type == model.EventRemove {
			c.daemon = nil
		} else {
			c.daemon = h
		}
		c.mu.Unlock()

	case model.KindClient:
		c.mu.Lock()
		c.clients = updateHandleList(c.clients, ev)
		pendingMatch := ev.Type != model.EventRemove && c.pendingClient != "" && h.Path == c.pendingClient
		ownRemoved := ev.Type == model.EventRemove && c.client != nil && h.Path == c.client.Path
		disconnecting := c.disconnecting
		if pendingMatch {
			c.client = h
			c.pendingClient = ""
		}
		c.mu.Unlock()
		if pendingMatch {
			c.setState(StateReady, nil)
		}
		if ownRemoved && !disconnecting {
			nlog.Warningf("pctx: own client handle removed from roster")
			c.setState(StateError, cos.NewClientDisappeared("own client handle removed"))
		}

	case model.KindSource:
		c.mu.Lock()
		c.sources = updateHandleList(c.sources, ev)
		c.mu.Unlock()

	case model.KindSink:
		c.mu.Lock()
		c.sinks = updateHandleList(c.sinks, ev)
		c.mu.Unlock()

	case model.KindChannel:
		c.mu.Lock()
		c.channels = updateHandleList(c.channels, ev)
		c.mu.Unlock()
	}

	if c.mask.Has(h.Kind) {
		c.subscriptionObservers.Each(func(fn func(model.EventType, model.ObjectKind, *bus.Handle)) {
			fn(ev.Type, h.Kind, h)
		})
	}
}

// updateHandleList applies one roster delta to a Context-owned list,
// matching handles by path (spec.md §4.1's "update the matching list").
func updateHandleList(list []*bus.Handle, ev bus.RosterEvent) []*bus.Handle {
	h := ev.Handle
	for i, existing := range list {
		if existing.Path == h.Path {
			if ev.Type == model.EventRemove {
				return append(list[:i], list[i+1:]...)
			}
			list[i] = h
			return list
		}
	}
	if ev.Type == model.EventRemove {
		return list
	}
	return append(list, h)
}

// Disconnect tears the Context back down to Unconnected: it calls the
// client proxy's Disconnect RPC (if a client was ever registered) and
// stops watching the daemon's bus name and its roster (spec.md §4.1's
// "on completion clears the client and daemon handles").
func (c *Context) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.disconnecting {
		c.mu.Unlock()
		return cos.NewBusy("disconnect already in progress")
	}
	c.disconnecting = true
	clientPath := c.clientPath
	cancel := c.cancelWatch
	c.mu.Unlock()

	if clientPath != "" {
		if err := c.b.Call(ctx, c.cfg.BusName, clientPath, clientIface, methodDisc, nil, nil); err != nil {
			c.mu.Lock()
			c.disconnecting = false
			c.mu.Unlock()
			c.react.PostWait(func() { c.setState(StateError, err) })
			return err
		}
	}
	if cancel != nil {
		cancel()
	}
	c.mu.Lock()
	c.clientPath = ""
	c.pendingClient = ""
	c.daemon = nil
	c.client = nil
	c.disconnecting = false
	c.mu.Unlock()
	c.roster.Reset()
	c.react.PostWait(func() { c.setState(StateUnconnected, nil) })
	return nil
}

// Metrics returns the Context's metric set, or nil if none was wired.
func (c *Context) Metrics() *metrics.Set { return c.mx }
