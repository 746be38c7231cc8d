package datachannel

import (
	"fmt"

	"github.com/ooni/vpncore/internal/model"
)

// replayWindow rejects data packet-ids that we have already seen or that
// are too old. With a zero size only strictly increasing IDs pass.
type replayWindow struct {
	highest model.PacketID
	seen    []model.PacketID
}

func newReplayWindow(size int) *replayWindow {
	if size < 0 {
		size = 0
	}
	return &replayWindow{seen: make([]model.PacketID, size)}
}

// check returns ErrReplay when id must be dropped. It does not record id:
// call mark once the packet has been authenticated.
func (w *replayWindow) check(id model.PacketID) error {
	if id == 0 {
		return fmt.Errorf("%w: zero packet-id", ErrReplay)
	}
	if id > w.highest {
		return nil
	}
	size := model.PacketID(len(w.seen))
	if w.highest-id >= size {
		return fmt.Errorf("%w: packet-id %d is behind %d", ErrReplay, id, w.highest)
	}
	if w.seen[id%size] == id {
		return fmt.Errorf("%w: packet-id %d already seen", ErrReplay, id)
	}
	return nil
}

func (w *replayWindow) mark(id model.PacketID) {
	if id > w.highest {
		w.highest = id
	}
	if size := len(w.seen); size > 0 {
		w.seen[int(id%model.PacketID(size))] = id
	}
}
