package axidma

import "sync/atomic"

// bdControl is the control word of a buffer descriptor.
type bdControl uint32

const (
	// bdControlLenMask holds the number of payload bytes the engine should
	// transfer for this descriptor. It ends below the packet marker bits.
	bdControlLenMask bdControl = 0x3ffffff
	// bdControlEOF marks the descriptor as the end of an AXI packet.
	bdControlEOF bdControl = 1 << 26
	// bdControlSOF marks the descriptor as the start of an AXI packet.
	bdControlSOF bdControl = 1 << 27
)

// MaxBufferLen is the largest payload size a single descriptor can describe,
// limited by the width of the length field in the control word.
const MaxBufferLen = int(bdControlLenMask)

// bdStatus is the status word of a buffer descriptor. It is written by the
// engine, except for the complete flag which the driver clears to rearm the
// descriptor.
type bdStatus uint32

const (
	// bdStatusXferMask holds the number of bytes the engine actually
	// transferred for this descriptor.
	bdStatusXferMask  bdStatus = 0x3ffffff
	bdStatusRxEOF     bdStatus = 1 << 26
	bdStatusRxSOF     bdStatus = 1 << 27
	bdStatusDMAIntErr bdStatus = 1 << 28
	bdStatusDMASlvErr bdStatus = 1 << 29
	bdStatusDMADecErr bdStatus = 1 << 30
	bdStatusDMAErrors bdStatus = bdStatusDMAIntErr | bdStatusDMASlvErr | bdStatusDMADecErr
	// bdStatusComplete is set by the engine once it is done with the
	// descriptor.
	bdStatusComplete bdStatus = 1 << 31
)

// descriptorSize is the number of bytes a single buffer descriptor occupies
// in memory. Descriptors must be 16-word aligned, any other alignment has
// undefined results.
const descriptorSize = 64

// descriptor is the scatter/gather buffer descriptor (non-multichannel mode)
// the engine fetches from the coherent arena. The reserved and user
// application words are never written by this driver and stay zero.
//
// The control and status words are shared with the hardware while the engine
// runs, so they are only ever accessed through the atomic accessors below.
// The next/buffer pointers are only written during ring construction, before
// the engine is started.
type descriptor struct {
	nextDesc    uint32
	nextDescMSB uint32
	bufAddr     uint32
	bufAddrMSB  uint32
	reserved1   [2]uint32
	control     uint32
	status      uint32
	app         [5]uint32
	reserved2   [3]uint32
}

func (d *descriptor) loadControl() bdControl {
	return bdControl(atomic.LoadUint32(&d.control))
}

func (d *descriptor) storeControl(v bdControl) {
	atomic.StoreUint32(&d.control, uint32(v))
}

func (d *descriptor) loadStatus() bdStatus {
	return bdStatus(atomic.LoadUint32(&d.status))
}

func (d *descriptor) storeStatus(v bdStatus) {
	atomic.StoreUint32(&d.status, uint32(v))
}

// setControlFlags sets the given bits in the control word, leaving the rest
// untouched.
func (d *descriptor) setControlFlags(f bdControl) {
	d.storeControl(d.loadControl() | f)
}

// setBufferLen replaces the length field of the control word.
func (d *descriptor) setBufferLen(n int) {
	c := d.loadControl() &^ bdControlLenMask
	d.storeControl(c | (bdControl(n) & bdControlLenMask))
}

// bufferLen returns the length field of the control word.
func (d *descriptor) bufferLen() int {
	return int(d.loadControl() & bdControlLenMask)
}

// clearStatusFlags clears the given bits in the status word, leaving the rest
// untouched.
func (d *descriptor) clearStatusFlags(f bdStatus) {
	d.storeStatus(d.loadStatus() &^ f)
}

// transferredBytes returns how many bytes the engine wrote for this
// descriptor.
func (d *descriptor) transferredBytes() int {
	return int(d.loadStatus() & bdStatusXferMask)
}

// complete reports whether the engine has finished with this descriptor. The
// atomic load pairs with the engine's completion write, so payload bytes and
// the transferred count are safe to read once this returns true.
func (d *descriptor) complete() bool {
	return d.loadStatus()&bdStatusComplete != 0
}
