package port

import (
	"net"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pinos-project/pinosclient/formatalgebra"
	"github.com/pinos-project/pinosclient/internal/cos"
	"github.com/pinos-project/pinosclient/internal/debug"
	"github.com/pinos-project/pinosclient/internal/nlog"
	"github.com/pinos-project/pinosclient/metrics"
	"github.com/pinos-project/pinosclient/model"
	"github.com/pinos-project/pinosclient/reactor"
)

// ReceivedBufferFunc is invoked for a buffer delivered by ReceiveBuffer to
// a Port that has no transport socket attached — the direct in-process
// delivery path pinos_port_receive_buffer falls back to when
// priv->sockets[0] is NULL — and for every buffer read from the Port's
// own socket.
type ReceivedBufferFunc func(p *Port, buf *model.Buffer)

// Port is the client-side half of one named, directed media port: the
// transport (an optional AF_UNIX socket pair to a local peer process)
// and the graph (linked peer Ports within this process), unified the way
// the original C PinosPort type combines both (original_source/pinos/
// client/port.c).
type Port struct {
	react *reactor.Reactor
	owner Owner
	algo  formatalgebra.Algebra
	mx    *metrics.Set

	Name      string
	Direction model.Direction
	MaxPeers  int

	mu        sync.Mutex
	props     *model.Properties
	possible  formatalgebra.Format
	format    formatalgebra.Format
	peers     []*Port
	queued    *model.Buffer
	onReceive ReceivedBufferFunc

	conn     wireConn
	stopRead func()
	sfGroup  singleflight.Group
	sockGen  uint64
}

// New constructs a Port bound to react, owned by owner, using algo to
// intersect formats. maxPeers <= 0 means unlimited (spec.md §4.2's
// max_peers invariant; the original defaults input ports to 1 peer,
// output ports to unlimited).
func New(react *reactor.Reactor, owner Owner, algo formatalgebra.Algebra, mx *metrics.Set, name string, dir model.Direction, maxPeers int) *Port {
	if owner == nil {
		owner = NopOwner{}
	}
	return &Port{
		react:     react,
		owner:     owner,
		algo:      algo,
		mx:        mx,
		Name:      name,
		Direction: dir,
		MaxPeers:  maxPeers,
		props:     model.NewProperties(),
	}
}

// Properties returns the Port's property bag.
func (p *Port) Properties() *model.Properties {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props
}

// SetReceivedBufferFunc installs the callback invoked for the buffers
// ReceivedBufferFunc describes.
func (p *Port) SetReceivedBufferFunc(fn ReceivedBufferFunc) {
	p.mu.Lock()
	p.onReceive = fn
	p.mu.Unlock()
}

// Peers returns a snapshot of the Port's current peer list.
func (p *Port) Peers() []*Port {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Port, len(p.peers))
	copy(out, p.peers)
	return out
}

// Format returns the Port's current negotiated format, or nil if none.
func (p *Port) Format() formatalgebra.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// GetPossibleFormats asks the owner for its restriction (spec.md §4.2's
// format_request), stores it as the Port's possible formats and returns
// it unchanged; ports whose owner reports no restriction return nil,
// which FilterFormats treats as unconstrained.
func (p *Port) GetPossibleFormats() (formatalgebra.Format, error) {
	restriction, err := p.owner.OnFormatRequest(p)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.possible = restriction
	p.mu.Unlock()
	return restriction, nil
}

// FilterFormats intersects this Port's possible formats with filter, and
// for an output Port further narrows the result against every peer's own
// FilterFormats, mirroring the recursive fan-out pinos_port_filter_formats
// performs for PINOS_DIRECTION_OUTPUT.
func (p *Port) FilterFormats(filter formatalgebra.Format) (formatalgebra.Format, error) {
	possible, err := p.GetPossibleFormats()
	if err != nil {
		return nil, err
	}
	result := possible
	if filter != nil {
		if possible == nil {
			result = filter
		} else {
			result, err = p.algo.Intersect(possible, filter, true)
			if err != nil {
				return nil, err
			}
		}
	}
	if result != nil && p.algo.IsEmpty(result) {
		return nil, cos.NewNotFound("no compatible format for port %q", p.Name)
	}

	if p.Direction == model.DirectionOutput {
		for _, peer := range p.Peers() {
			result, err = peer.FilterFormats(result)
			if err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Link connects source (an output Port) to destination (an input Port),
// enforcing max_peers on both sides and running the veto fold through
// both owners before committing the symmetric peer-list update (spec.md
// §4.2's link invariant: "both owners must agree or the link does not
// happen"). If source's direction is not Output, the two are swapped
// first, matching pinos_port_link's own normalization.
func Link(a, b *Port) error {
	source, destination := a, b
	if source.Direction != model.DirectionOutput {
		source, destination = b, a
	}
	if source.Direction == destination.Direction {
		return cos.NewInvalidArgument("cannot link two %s ports", source.Direction)
	}

	source.mu.Lock()
	srcFull := source.MaxPeers > 0 && len(source.peers) >= source.MaxPeers
	source.mu.Unlock()
	if srcFull {
		return cos.NewBusy("port %q has reached max_peers", source.Name)
	}
	destination.mu.Lock()
	dstFull := destination.MaxPeers > 0 && len(destination.peers) >= destination.MaxPeers
	destination.mu.Unlock()
	if dstFull {
		return cos.NewBusy("port %q has reached max_peers", destination.Name)
	}

	// Both owners must agree before the link commits; model.VetoFold
	// short-circuits on the first refusal, exactly as the two sequential
	// checks it replaces did, but makes the "all handlers must agree"
	// shape explicit instead of leaving it implicit in control flow.
	var vetoErr error
	agreed := model.VetoFold([]func() bool{
		func() bool {
			if err := source.owner.OnLink(source, destination); err != nil {
				if source.mx != nil {
					source.mx.LinkVetoes.Inc()
				}
				vetoErr = err
				return false
			}
			return true
		},
		func() bool {
			if err := destination.owner.OnLink(destination, source); err != nil {
				if destination.mx != nil {
					destination.mx.LinkVetoes.Inc()
				}
				vetoErr = err
				return false
			}
			return true
		},
	})
	if !agreed {
		return cos.NewVetoed(vetoErr.Error())
	}

	source.mu.Lock()
	source.peers = append(source.peers, destination)
	source.mu.Unlock()
	destination.mu.Lock()
	destination.peers = append(destination.peers, source)
	destination.mu.Unlock()

	if source.mx != nil {
		source.mx.PortsLinked.Inc()
	}

	if f := source.Format(); f != nil {
		fc := model.FormatChange{ID: 0, Format: source.algo.String(f)}
		payload := model.EncodeFormatChange(fc)
		buf := model.New(model.Header{Magic: model.HeaderMagic, Flags: model.FlagControl}, payload, nil, nil)
		if err := destination.ReceiveBuffer(buf); err != nil {
			nlog.Warningf("port %q: could not propagate format to new peer %q: %v", source.Name, destination.Name, err)
		}
	}
	return nil
}

// Unlink removes the peer relationship between a and b, notifying both
// owners regardless of which side initiated it.
func Unlink(a, b *Port) {
	a.removePeer(b)
	b.removePeer(a)
	a.owner.OnUnlink(a, b)
	b.owner.OnUnlink(b, a)
	if a.mx != nil {
		a.mx.PortsUnlinked.Inc()
	}
}

func (p *Port) removePeer(peer *Port) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.peers {
		if q == peer {
			p.peers = append(p.peers[:i], p.peers[i+1:]...)
			return
		}
	}
}

// Remove tears this Port down: every peer is unlinked, the transport
// (if any) is closed, and the owner is notified last, matching
// pinos_port_unlink_all followed by disposal.
func (p *Port) Remove() {
	for _, peer := range p.Peers() {
		Unlink(p, peer)
	}
	p.mu.Lock()
	stop := p.stopRead
	conn := p.conn
	p.stopRead = nil
	p.conn = nil
	p.mu.Unlock()
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.Close() // unblocks the reader's pending recvmsg
	}
	if stop != nil {
		stop()
	}
	p.owner.OnRemove(p)
}

// ReceiveBuffer delivers buf to this Port: a Control-flagged buffer is
// first applied against the Port's format, then the buffer is either
// written out the transport socket (if attached) or queued for direct
// in-process delivery via the ReceivedBufferFunc callback, exactly the
// branch pinos_port_receive_buffer takes on priv->sockets[0].
//
// ReceiveBuffer takes ownership of exactly one reference on buf and
// Unrefs it before returning (spec.md §5's "owned by the buffer until
// refcount reaches zero"): callers that need buf to outlive the call —
// notably fanning the same buffer out to several peers — must Ref it
// once per extra hand-off first.
//
// A buffer delivered while another is still being handed to this Port's
// received-buffer callback is refused with a Busy error.
func (p *Port) ReceiveBuffer(buf *model.Buffer) error {
	defer buf.Unref()
	p.mu.Lock()
	busy := p.queued != nil
	p.mu.Unlock()
	if busy {
		return cos.NewBusy("port " + p.Name + " already has a buffer in flight")
	}
	if buf.Hdr.IsControl() {
		if err := p.applyControl(buf); err != nil {
			return err
		}
	}
	if p.mx != nil {
		p.mx.BuffersRecv.Inc()
		p.mx.BytesRecv.Add(float64(len(buf.Payload)))
	}

	p.mu.Lock()
	conn := p.conn
	cb := p.onReceive
	p.mu.Unlock()

	if conn != nil {
		return sendFrame(conn, buf.Hdr, buf.Payload, buf.FDs)
	}
	p.mu.Lock()
	p.queued = buf
	p.mu.Unlock()
	if cb != nil {
		cb(p, buf)
	}
	p.mu.Lock()
	p.queued = nil
	p.mu.Unlock()
	return nil
}

// SendBuffer writes buf out this Port's own transport socket (if any)
// and additionally fans it out to every linked peer via ReceiveBuffer,
// matching pinos_port_send_buffer. Per the Open Question resolved in
// DESIGN.md, fan-out does not stop at the first peer error: every peer
// is attempted, and the first error encountered (if any) is returned
// after all peers have been tried.
//
// SendBuffer takes ownership of the one reference the caller hands it
// and Unrefs it once all peers have been tried; each peer gets its own
// Ref so the buffer's fds stay open until every consumer — the own
// transport write and every peer's ReceiveBuffer — has finished with
// them (spec.md §5).
func (p *Port) SendBuffer(buf *model.Buffer) error {
	defer buf.Unref()
	if buf.Hdr.IsControl() {
		if err := p.applyControl(buf); err != nil {
			return err
		}
	}
	if p.mx != nil {
		p.mx.BuffersSent.Inc()
		p.mx.BytesSent.Add(float64(len(buf.Payload)))
		p.mx.FDsSent.Add(float64(len(buf.FDs)))
	}

	var firstErr error
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		if err := sendFrame(conn, buf.Hdr, buf.Payload, buf.FDs); err != nil {
			firstErr = err
		}
	}
	for _, peer := range p.Peers() {
		buf.Ref()
		if err := peer.ReceiveBuffer(buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PeekBuffer returns the buffer currently being handed to the
// received-buffer callback, or nil outside that callback.
func (p *Port) PeekBuffer() *model.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

func (p *Port) applyControl(buf *model.Buffer) error {
	recs, err := model.ParseControlRecords(buf.Payload)
	if err != nil {
		if p.mx != nil {
			p.mx.ProtocolErrors.Inc()
		}
		return err
	}
	for _, rec := range recs {
		if rec.Type != model.ControlFormatChange {
			continue // unrecognized control types pass through unread
		}
		fc, err := model.DecodeFormatChange(rec.Body)
		if err != nil {
			return err
		}
		f, err := p.algo.Parse([]byte(fc.Format))
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.format = f
		p.mu.Unlock()
	}
	return nil
}

// GetSocketPair returns the fd the daemon-side peer should hold, lazily
// creating the pair on first call and attaching a reactor-driven reader
// to our own end; concurrent callers collapse onto one singleflight call
// so the pair is only ever created once (spec.md §4.2's idempotent
// get_socket_pair, generalized from the original's priv->sockets[1] ==
// NULL check to survive concurrent callers without a port-wide lock held
// across the syscall).
func (p *Port) GetSocketPair() (*os.File, error) {
	v, err, _ := p.sfGroup.Do("socketpair", func() (any, error) {
		p.mu.Lock()
		if p.conn != nil {
			f, dupErr := p.conn.(*net.UnixConn).File()
			p.mu.Unlock()
			if dupErr != nil {
				return nil, cos.NewIoError(dupErr)
			}
			return f, nil
		}
		p.mu.Unlock()

		local, remote, err := newSocketPair()
		if err != nil {
			return nil, cos.NewIoError(err)
		}
		p.mu.Lock()
		p.conn = local
		p.sockGen++
		gen := p.sockGen
		p.mu.Unlock()

		p.attachReader(local, gen)
		return remote, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*os.File), nil
}

// attachReader wires a reactor.AttachReader loop to conn. Each readOne
// call runs on its own background goroutine and must not touch Port
// state (reactor.AttachReader's contract); it instead re-encodes the
// decoded header alongside the payload into one self-contained "frame"
// slice so onFrame (which does run on the reactor goroutine) can decode
// it again without sharing mutable state with the next in-flight read.
func (p *Port) attachReader(conn wireConn, gen uint64) {
	staging := make([]byte, defaultStagingBytes)
	stop := p.react.AttachReader(
		func() ([]byte, []int, error) {
			hdr, payload, fds, err := recvFrame(conn, staging)
			if err != nil {
				return nil, nil, err
			}
			frame := make([]byte, model.HeaderSize+len(payload))
			encodeHeader(hdr, frame[:model.HeaderSize])
			copy(frame[model.HeaderSize:], payload)
			return frame, fds, nil
		},
		func(frame []byte, fds []int, err error) {
			p.mu.Lock()
			current := p.sockGen
			p.mu.Unlock()
			if current != gen {
				return // stale reader from a superseded socket pair
			}
			if err != nil {
				nlog.Warningf("port %q: transport read failed: %v", p.Name, err)
				return
			}
			hdr, derr := decodeHeader(frame[:model.HeaderSize])
			if derr != nil {
				nlog.Warningf("port %q: dropping malformed frame: %v", p.Name, derr)
				return
			}
			payload := append([]byte(nil), frame[model.HeaderSize:]...)
			if p.mx != nil {
				p.mx.FDsRecv.Add(float64(len(fds)))
			}
			buf := model.New(hdr, payload, fds, nil)
			debug.Assert(buf.Hdr.Magic == model.HeaderMagic)
			if err := p.deliverFromTransport(buf); err != nil {
				nlog.Warningf("port %q: delivering transport frame: %v", p.Name, err)
			}
		},
	)
	p.mu.Lock()
	p.stopRead = stop
	p.mu.Unlock()
}

// deliverFromTransport routes a buffer read off this Port's own
// transport socket into the same control-apply + fan-out path a
// directly-called SendBuffer would, since from the graph's perspective a
// buffer arriving from the daemon is indistinguishable from one sent by
// an in-process producer (original_source's handle_socket feeds
// read_buffer results back into the same receive/send machinery).
//
// buf arrives fresh off recvFrame with refcount 1; deliverFromTransport
// owns that reference, lends it to the direct callback, gives every peer
// its own Ref, and Unrefs it once all of them have returned, so the fds
// recvmsg handed us are closed exactly once everyone is done with them.
func (p *Port) deliverFromTransport(buf *model.Buffer) error {
	defer buf.Unref()
	if buf.Hdr.IsControl() {
		if err := p.applyControl(buf); err != nil {
			return err
		}
	}
	p.mu.Lock()
	cb := p.onReceive
	p.mu.Unlock()
	if cb != nil {
		p.mu.Lock()
		p.queued = buf
		p.mu.Unlock()
		cb(p, buf)
		p.mu.Lock()
		p.queued = nil
		p.mu.Unlock()
	}
	var firstErr error
	for _, peer := range p.Peers() {
		buf.Ref()
		if err := peer.ReceiveBuffer(buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
