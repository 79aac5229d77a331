package daemon

import (
	"go.klb.dev/clipmon/internal/selection"
	"go.klb.dev/clipmon/internal/wayland"
)

// compositor adapts the wayland client to selection.Compositor.
type compositor struct {
	c       *wayland.Client
	manager uint32
	device  uint32
}

func (p *compositor) Receive(offer selection.OfferID, mime string, fd int) error {
	return p.c.OfferReceive(uint32(offer), mime, fd)
}

func (p *compositor) DestroyOffer(offer selection.OfferID) error {
	return p.c.DestroyOffer(uint32(offer))
}

func (p *compositor) CreateSource(h selection.SourceHandler) (selection.SourceID, error) {
	id, err := p.c.CreateDataSource(p.manager, sourceHandler{h})
	return selection.SourceID(id), err
}

func (p *compositor) OfferMime(source selection.SourceID, mime string) error {
	return p.c.SourceOffer(uint32(source), mime)
}

func (p *compositor) DestroySource(source selection.SourceID) error {
	return p.c.DestroySource(uint32(source))
}

func (p *compositor) SetSelection(kind selection.Kind, source selection.SourceID) error {
	if kind == selection.Primary {
		return p.c.SetPrimarySelection(p.device, uint32(source))
	}
	return p.c.SetSelection(p.device, uint32(source))
}

func (p *compositor) Roundtrip() error { return p.c.Roundtrip() }

// deviceHandler feeds data-device events into the engine.
type deviceHandler struct {
	e *selection.Engine
}

func (d deviceHandler) DataOffer(offer uint32) error {
	return d.e.DataOffer(selection.OfferID(offer))
}

func (d deviceHandler) Offer(offer uint32, mime string) error {
	return d.e.Offer(selection.OfferID(offer), mime)
}

func (d deviceHandler) Selection(offer uint32) error {
	return d.e.Selection(selection.Clipboard, selection.OfferID(offer))
}

func (d deviceHandler) PrimarySelection(offer uint32) error {
	return d.e.Selection(selection.Primary, selection.OfferID(offer))
}

// sourceHandler forwards data-source events to a selection buffer.
type sourceHandler struct {
	h selection.SourceHandler
}

func (s sourceHandler) Send(source uint32, mime string, fd int) error {
	return s.h.Send(selection.SourceID(source), mime, fd)
}

func (s sourceHandler) Cancelled(source uint32) error {
	return s.h.Cancelled(selection.SourceID(source))
}
