package axidma

import (
	"fmt"
	"unsafe"
)

// descriptorRing is a fixed-size circular chain of buffer descriptors overlaid
// on the start of the coherent arena. The payload buffers follow the table
// immediately, one per descriptor, so the physical address of everything the
// engine touches can be derived from the arena base alone.
//
// Because the descriptors are shared with the hardware, the ring never yields
// Go pointers to callers. Descriptors are addressed by their index.
type descriptorRing struct {
	descriptors []descriptor

	// physBase is the physical address of descriptor 0.
	physBase uintptr
	// bufferSize is the payload capacity behind each descriptor.
	bufferSize int
}

// newDescriptorRing overlays count descriptors on the given memory. The memory
// slice must hold at least the descriptor table (see tableBytes).
func newDescriptorRing(mem []byte, physBase uintptr, count, bufferSize int) *descriptorRing {
	if len(mem) < count*descriptorSize {
		panic(fmt.Sprintf("memory size (%v) is too small for %v descriptors", len(mem), count))
	}

	return &descriptorRing{
		descriptors: unsafe.Slice((*descriptor)(unsafe.Pointer(&mem[0])), count),
		physBase:    physBase,
		bufferSize:  bufferSize,
	}
}

// count returns the number of descriptors in the ring.
func (r *descriptorRing) count() int {
	return len(r.descriptors)
}

// next returns the index that follows i in the ring.
func (r *descriptorRing) next(i int) int {
	return (i + 1) % len(r.descriptors)
}

// tableBytes returns the size of the descriptor table in memory, which is also
// the arena offset of the first payload buffer.
func (r *descriptorRing) tableBytes() int {
	return len(r.descriptors) * descriptorSize
}

// descPhysAddr returns the physical address of descriptor i.
func (r *descriptorRing) descPhysAddr(i int) uintptr {
	return r.physBase + uintptr(i*descriptorSize)
}

// payloadPhysAddr returns the physical address of the payload buffer behind
// descriptor i.
func (r *descriptorRing) payloadPhysAddr(i int) uintptr {
	return r.physBase + uintptr(r.tableBytes()+i*r.bufferSize)
}

// initialize chains the descriptors head-to-tail-to-head and writes the per
// descriptor defaults. Each descriptor points at its payload buffer and
// carries the full buffer size in its control word. For mem-to-dev rings every
// descriptor describes exactly one AXI packet (SOF and EOF on the same
// descriptor) and starts out with the complete flag already set, so the first
// acquisition returns immediately instead of waiting for a hardware completion
// that cannot happen before anything was submitted.
func (r *descriptorRing) initialize(direction Direction) {
	for i := range r.descriptors {
		d := &r.descriptors[i]

		nextPhys := uint64(r.descPhysAddr(r.next(i)))
		bufPhys := uint64(r.payloadPhysAddr(i))

		d.nextDesc = uint32(nextPhys)
		d.nextDescMSB = uint32(nextPhys >> 32)
		d.bufAddr = uint32(bufPhys)
		d.bufAddrMSB = uint32(bufPhys >> 32)

		d.storeStatus(0)
		d.storeControl(bdControl(r.bufferSize) & bdControlLenMask)

		if direction == MM2S {
			d.setControlFlags(bdControlSOF | bdControlEOF)
			d.storeStatus(bdStatusComplete)
		}
	}
}
