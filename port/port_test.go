package port_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/pinos-project/pinosclient/formatalgebra"
	"github.com/pinos-project/pinosclient/model"
	"github.com/pinos-project/pinosclient/port"
	"github.com/pinos-project/pinosclient/reactor"
)

// recordingOwner counts lifecycle notifications and can be made to veto
// every link attempt.
type recordingOwner struct {
	port.NopOwner
	veto     bool
	linked   []*port.Port
	unlinked []*port.Port
	removed  bool
}

func (o *recordingOwner) OnLink(p, peer *port.Port) error {
	if o.veto {
		return errors.New("refused by policy")
	}
	o.linked = append(o.linked, peer)
	return nil
}

func (o *recordingOwner) OnUnlink(p, peer *port.Port) {
	o.unlinked = append(o.unlinked, peer)
}

func (o *recordingOwner) OnRemove(p *port.Port) {
	o.removed = true
}

func controlBuffer(format string) *model.Buffer {
	payload := model.EncodeFormatChange(model.FormatChange{Format: format})
	return model.New(model.Header{Magic: model.HeaderMagic, Flags: model.FlagControl}, payload, nil, nil)
}

var _ = Describe("Port", func() {
	var (
		react              *reactor.Reactor
		algo               formatalgebra.Mime
		srcOwner, dstOwner *recordingOwner
		src, dst           *port.Port
	)

	BeforeEach(func() {
		react = reactor.New()
		algo = formatalgebra.Mime{}
		srcOwner = &recordingOwner{}
		dstOwner = &recordingOwner{}
		src = port.New(react, srcOwner, algo, nil, "out", model.DirectionOutput, 0)
		dst = port.New(react, dstOwner, algo, nil, "in", model.DirectionInput, 1)
	})

	AfterEach(func() {
		react.Stop()
		react.Wait()
	})

	It("links two opposite-direction ports symmetrically", func() {
		Expect(port.Link(src, dst)).To(Succeed())
		Expect(src.Peers()).To(ConsistOf(dst))
		Expect(dst.Peers()).To(ConsistOf(src))
	})

	It("rejects linking two ports of the same direction", func() {
		other := port.New(react, port.NopOwner{}, algo, nil, "out2", model.DirectionOutput, 0)
		Expect(port.Link(src, other)).To(HaveOccurred())
	})

	It("enforces max_peers on the destination", func() {
		extra := port.New(react, port.NopOwner{}, algo, nil, "out-extra", model.DirectionOutput, 0)
		Expect(port.Link(src, dst)).To(Succeed())
		Expect(port.Link(extra, dst)).To(HaveOccurred())
	})

	It("vetoes the link when either owner refuses", func() {
		dstOwner.veto = true
		err := port.Link(src, dst)
		Expect(err).To(HaveOccurred())
		Expect(src.Peers()).To(BeEmpty())
		Expect(dst.Peers()).To(BeEmpty())
	})

	It("notifies both owners on link and unlink", func() {
		Expect(port.Link(src, dst)).To(Succeed())
		Expect(srcOwner.linked).To(ConsistOf(dst))
		Expect(dstOwner.linked).To(ConsistOf(src))

		port.Unlink(src, dst)
		Expect(src.Peers()).To(BeEmpty())
		Expect(dst.Peers()).To(BeEmpty())
		Expect(srcOwner.unlinked).To(ConsistOf(dst))
		Expect(dstOwner.unlinked).To(ConsistOf(src))
	})

	It("propagates the source's current format to a newly linked peer", func() {
		Expect(src.SendBuffer(controlBuffer("audio/x-raw;rate=48000"))).To(Succeed())
		Expect(port.Link(src, dst)).To(Succeed())
		Expect(algo.String(dst.Format())).To(Equal("audio/x-raw;rate=48000"))
	})

	It("fans a sent buffer out to every linked peer", func() {
		var received []*model.Buffer
		dst.SetReceivedBufferFunc(func(p *port.Port, buf *model.Buffer) {
			received = append(received, buf)
		})
		Expect(port.Link(src, dst)).To(Succeed())

		buf := model.New(model.Header{Magic: model.HeaderMagic}, []byte("payload"), nil, nil)
		Expect(src.SendBuffer(buf)).To(Succeed())
		Expect(received).To(HaveLen(1))
		Expect(received[0].Payload).To(Equal([]byte("payload")))
	})

	It("drops the buffer's refcount to zero once every peer has consumed it", func() {
		other := port.New(react, port.NopOwner{}, algo, nil, "in2", model.DirectionInput, 0)
		Expect(port.Link(src, dst)).To(Succeed())
		Expect(port.Link(src, other)).To(Succeed())

		buf := model.New(model.Header{Magic: model.HeaderMagic}, []byte("fanout"), nil, nil)
		Expect(src.SendBuffer(buf)).To(Succeed())
		Expect(buf.Refcount()).To(Equal(int32(0)))
	})

	It("notifies the owner exactly once on Remove, after unlinking every peer", func() {
		Expect(port.Link(src, dst)).To(Succeed())
		src.Remove()
		Expect(src.Peers()).To(BeEmpty())
		Expect(dst.Peers()).To(BeEmpty())
		Expect(srcOwner.removed).To(BeTrue())
	})
})
