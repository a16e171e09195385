package pctx_test

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/pinos-project/pinosclient/bus"
	"github.com/pinos-project/pinosclient/internal/cos"
	"github.com/pinos-project/pinosclient/model"
	"github.com/pinos-project/pinosclient/pconfig"
	"github.com/pinos-project/pinosclient/pctx"
	"github.com/pinos-project/pinosclient/reactor"
)

// fakeBus is a Bus stand-in driven entirely by the test: WatchName hands
// back a channel the test writes NameOwnerEvent values to directly,
// WatchObjects likewise for ObjectEvent values, and Call is scripted to
// fail or to fill in a client path.
type fakeBus struct {
	mu         sync.Mutex
	events     chan bus.NameOwnerEvent
	objects    chan bus.ObjectEvent
	callErr    error
	clientPath string
	calls      []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		events:  make(chan bus.NameOwnerEvent, 8),
		objects: make(chan bus.ObjectEvent, 8),
	}
}

func (f *fakeBus) WatchName(ctx context.Context, busName string) (<-chan bus.NameOwnerEvent, error) {
	return f.events, nil
}

func (f *fakeBus) WatchObjects(ctx context.Context, destination, rootPath string) (<-chan bus.ObjectEvent, error) {
	return f.objects, nil
}

func (f *fakeBus) Call(ctx context.Context, destination, path, iface, method string, args []any, reply any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	err := f.callErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if method == "ConnectClient" {
		if p, ok := reply.(*string); ok {
			*p = f.clientPath
		}
	}
	return nil
}

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) calledMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// stateLog collects every state transition a Context reports via
// OnStateChange so tests can assert on the sequence with Eventually.
type stateLog struct {
	mu     sync.Mutex
	states []pctx.State
	errs   []error
}

func (l *stateLog) record(s pctx.State, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
	l.errs = append(l.errs, err)
}

func (l *stateLog) last() pctx.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return pctx.StateUnconnected
	}
	return l.states[len(l.states)-1]
}

func (l *stateLog) lastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) == 0 {
		return nil
	}
	return l.errs[len(l.errs)-1]
}

var _ = Describe("Context", func() {
	var (
		react *reactor.Reactor
		fb    *fakeBus
		cfg   *pconfig.Config
		log   *stateLog
		c     *pctx.Context
	)

	BeforeEach(func() {
		react = reactor.New()
		fb = newFakeBus()
		cfg = pconfig.Default()
		log = &stateLog{}
	})

	AfterEach(func() {
		react.Stop()
		react.Wait()
	})

	newContext := func(flags pctx.Flags) *pctx.Context {
		ctx := pctx.New(fb, react, nil, cfg, flags,
			model.MaskOf(model.KindDaemon, model.KindClient), nil)
		ctx.OnStateChange(log.record)
		return ctx
	}

	// driveToReady walks a freshly-connected Context through the full
	// handshake: name appears, the roster observes the Daemon handle
	// (reaching Ready), ConnectClient returns clientPath, and the roster
	// observes that same Client path so the proxy resolves.
	driveToReady := func(clientPath string) {
		fb.clientPath = clientPath
		fb.events <- bus.NameOwnerEvent{Name: cfg.BusName, NewOwner: ":1.42"}
		fb.objects <- bus.ObjectEvent{Kind: model.KindDaemon, Path: "/org/pinos/daemon", Exists: true}
		Eventually(c.State).Should(Equal(pctx.StateRegistering))
		fb.objects <- bus.ObjectEvent{Kind: model.KindClient, Path: clientPath, Exists: true}
		Eventually(c.State).Should(Equal(pctx.StateReady))
	}

	It("starts Unconnected", func() {
		c = newContext(0)
		Expect(c.State()).To(Equal(pctx.StateUnconnected))
	})

	It("drives Connecting -> Registering -> Ready on a successful handshake", func() {
		c = newContext(0)
		Expect(c.Connect(context.Background())).To(Succeed())
		Eventually(c.State).Should(Equal(pctx.StateConnecting))

		driveToReady("/org/pinos/client/1")
		Expect(fb.calledMethods()).To(ContainElement("ConnectClient"))
		Expect(c.Daemon()).NotTo(BeNil())
		Expect(c.Client()).NotTo(BeNil())
		Expect(c.Client().Path).To(Equal("/org/pinos/client/1"))
	})

	It("does not leave Connecting until the roster reports the Daemon handle", func() {
		c = newContext(0)
		Expect(c.Connect(context.Background())).To(Succeed())
		Eventually(c.State).Should(Equal(pctx.StateConnecting))

		fb.events <- bus.NameOwnerEvent{Name: cfg.BusName, NewOwner: ":1.42"}
		Consistently(c.State).Should(Equal(pctx.StateConnecting))
		Expect(fb.calledMethods()).NotTo(ContainElement("ConnectClient"))
	})

	It("moves to Error when the ConnectClient RPC fails", func() {
		c = newContext(0)
		fb.callErr = errors.New("daemon refused")

		Expect(c.Connect(context.Background())).To(Succeed())
		fb.events <- bus.NameOwnerEvent{Name: cfg.BusName, NewOwner: ":1.42"}
		fb.objects <- bus.ObjectEvent{Kind: model.KindDaemon, Path: "/org/pinos/daemon", Exists: true}

		Eventually(c.State).Should(Equal(pctx.StateError))
		Expect(c.Err()).To(HaveOccurred())
	})

	It("records ConnectionClosed when the daemon's name vanishes unexpectedly", func() {
		c = newContext(0)
		Expect(c.Connect(context.Background())).To(Succeed())
		driveToReady("/org/pinos/client/1")

		fb.events <- bus.NameOwnerEvent{Name: cfg.BusName, NewOwner: ""}
		Eventually(c.State).Should(Equal(pctx.StateError))
		kind, ok := cos.KindOf(c.Err())
		Expect(ok).To(BeTrue())
		Expect(kind).To(Equal(cos.KindConnectionClosed))
	})

	It("reports ClientDisappeared when the roster removes the own client handle", func() {
		c = newContext(0)
		Expect(c.Connect(context.Background())).To(Succeed())
		driveToReady("/org/pinos/client/1")

		fb.objects <- bus.ObjectEvent{Kind: model.KindClient, Path: "/org/pinos/client/1", Exists: false}
		Eventually(c.State).Should(Equal(pctx.StateError))
		kind, ok := cos.KindOf(c.Err())
		Expect(ok).To(BeTrue())
		Expect(kind).To(Equal(cos.KindClientDisappeared))
	})

	It("does not report ClientDisappeared if disconnect was already called", func() {
		c = newContext(0)
		Expect(c.Connect(context.Background())).To(Succeed())
		driveToReady("/org/pinos/client/1")

		done := make(chan struct{})
		go func() {
			defer close(done)
			Expect(c.Disconnect(context.Background())).To(Succeed())
		}()
		Eventually(c.State).Should(Equal(pctx.StateUnconnected))
		<-done

		Expect(log.last()).NotTo(Equal(pctx.StateError))
	})

	It("soft-retries instead of erroring when FlagNoFail is set", func() {
		c = newContext(pctx.FlagNoFail)
		Expect(c.Connect(context.Background())).To(Succeed())
		driveToReady("/org/pinos/client/1")

		fb.events <- bus.NameOwnerEvent{Name: cfg.BusName, NewOwner: ""}
		Eventually(c.State).Should(Equal(pctx.StateConnecting))
		Expect(c.Err()).NotTo(HaveOccurred())

		driveToReady("/org/pinos/client/2")
	})

	It("calls the client proxy's Disconnect RPC and returns to Unconnected", func() {
		c = newContext(0)
		Expect(c.Connect(context.Background())).To(Succeed())
		driveToReady("/org/pinos/client/1")

		Expect(c.Disconnect(context.Background())).To(Succeed())
		Expect(c.State()).To(Equal(pctx.StateUnconnected))
		Expect(fb.calledMethods()).To(ContainElement("Disconnect"))
		Expect(c.Daemon()).To(BeNil())
		Expect(c.Client()).To(BeNil())
	})

	It("rejects a second concurrent Connect call", func() {
		c = newContext(0)
		Expect(c.Connect(context.Background())).To(Succeed())
		Eventually(c.State).Should(Equal(pctx.StateConnecting))
		Expect(c.Connect(context.Background())).To(HaveOccurred())
	})

	It("fans out subscription events only for kinds in the mask", func() {
		c = newContext(0)
		var seen []model.ObjectKind
		var mu sync.Mutex
		c.OnSubscriptionEvent(func(_ model.EventType, kind model.ObjectKind, _ *bus.Handle) {
			mu.Lock()
			seen = append(seen, kind)
			mu.Unlock()
		})

		Expect(c.Connect(context.Background())).To(Succeed())
		driveToReady("/org/pinos/client/1")
		fb.objects <- bus.ObjectEvent{Kind: model.KindSource, Path: "/org/pinos/source/1", Exists: true}

		Eventually(func() []*bus.Handle { return c.Sources() }).Should(HaveLen(1))
		mu.Lock()
		defer mu.Unlock()
		Expect(seen).To(ContainElement(model.KindDaemon))
		Expect(seen).To(ContainElement(model.KindClient))
		Expect(seen).NotTo(ContainElement(model.KindSource))
	})

	_ = errors.New // keep errors imported across edits
})
