package port

import (
	"github.com/pinos-project/pinosclient/formatalgebra"
)

// Owner is the capability interface a Port's creator implements to
// participate in link negotiation and lifecycle notification (spec.md
// §4.2's Port operations), replacing the inheritance/virtual-method
// hooks the original C client attaches per-port.
type Owner interface {
	// OnFormatRequest is consulted during filter_formats/get_possible_formats
	// to restrict a Port's advertised formats beyond what its peers alone
	// would imply; returning nil means "no additional restriction."
	OnFormatRequest(p *Port) (formatalgebra.Format, error)
	// OnLink is called before a Port is linked to peer, ahead of any
	// change to either peer list; returning an error vetoes the link
	// (spec.md §4.2's veto-fold invariant) and neither port changes.
	OnLink(p *Port, peer *Port) error
	// OnUnlink notifies the owner a peer link has been removed, whether by
	// explicit Unlink or as a side effect of either Port's Remove.
	OnUnlink(p *Port, peer *Port)
	// OnRemove notifies the owner a Port has been fully torn down.
	OnRemove(p *Port)
}

// NopOwner is a zero-value Owner that vetoes nothing and restricts
// nothing; useful for tests and for ports that don't need a real owner.
type NopOwner struct{}

func (NopOwner) OnFormatRequest(*Port) (formatalgebra.Format, error) { return nil, nil }
func (NopOwner) OnLink(*Port, *Port) error                           { return nil }
func (NopOwner) OnUnlink(*Port, *Port)                               {}
func (NopOwner) OnRemove(*Port)                                      {}
