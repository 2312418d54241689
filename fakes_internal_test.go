package uaxidma

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// Register window geometry of the engine, mirrored here so the fakes can poke
// the same addresses the driver programs.
const (
	fakeMM2SBase  = 0x00
	fakeS2MMBase  = 0x30
	fakeRegWindow = 0x48

	fakeRegControl  = 0x00
	fakeRegStatus   = 0x04
	fakeRegTailLow  = 0x10
	fakeRegTailHigh = 0x14

	fakeCtrlRunStop = 1 << 0
	fakeCtrlReset   = 1 << 2

	fakeStatusHalted = 1 << 0
	fakeStatusSGIncl = 1 << 3

	fakeDescSize    = 64
	fakeDescControl = 0x18
	fakeDescStatus  = 0x1c

	fakeBDLenMask  = 0x3ffffff
	fakeBDXferMask = 0x3ffffff
	fakeBDComplete = 1 << 31
)

func load32(mem []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off])))
}

func store32(mem []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off])), v)
}

// fakeIRQ emulates the UIO interrupt fd protocol over a channel.
type fakeIRQ struct {
	fired  chan struct{}
	masked bool
}

func newFakeIRQ() *fakeIRQ {
	return &fakeIRQ{fired: make(chan struct{}, 1024)}
}

func (f *fakeIRQ) MaskIRQ() error {
	f.masked = true
	return nil
}

func (f *fakeIRQ) UnmaskIRQ() error {
	f.masked = false
	return nil
}

func (f *fakeIRQ) WaitIRQ(timeoutMs int) (bool, error) {
	switch {
	case timeoutMs < 0:
		<-f.fired
		return true, nil
	case timeoutMs == 0:
		select {
		case <-f.fired:
			return true, nil
		default:
			return false, nil
		}
	default:
		select {
		case <-f.fired:
			return true, nil
		case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
			return false, nil
		}
	}
}

func (f *fakeIRQ) fire() {
	select {
	case f.fired <- struct{}{}:
	default:
	}
}

// fakeEngine emulates the engine on the other side of the register window: it
// acknowledges resets, halts stopped channels, and plays the role of the
// fabric by completing descriptors in the arena.
//
// With transmit enabled it consumes any descriptor whose complete flag was
// cleared, like a normal-mode MM2S channel whose tail was advanced. With
// produce > 0 it floods every rearmed descriptor with that many received
// bytes, like a cyclic S2MM channel against a saturating fabric.
type fakeEngine struct {
	regs  []byte
	arena []byte
	irq   *fakeIRQ

	descCount int
	transmit  bool
	produce   int

	stop chan struct{}
	done chan struct{}
}

func startFakeEngine(regs, arena []byte, irq *fakeIRQ, descCount int, transmit bool, produce int) *fakeEngine {
	e := &fakeEngine{
		regs:      regs,
		arena:     arena,
		irq:       irq,
		descCount: descCount,
		transmit:  transmit,
		produce:   produce,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	e.presentSG()

	go func() {
		defer close(e.done)
		for {
			select {
			case <-e.stop:
				return
			default:
			}
			e.step()
		}
	}()

	return e
}

func (e *fakeEngine) close() {
	close(e.stop)
	<-e.done
}

func (e *fakeEngine) presentSG() {
	store32(e.regs, fakeMM2SBase+fakeRegStatus, fakeStatusSGIncl|fakeStatusHalted)
	store32(e.regs, fakeS2MMBase+fakeRegStatus, fakeStatusSGIncl|fakeStatusHalted)
}

func (e *fakeEngine) step() {
	for _, base := range []int{fakeMM2SBase, fakeS2MMBase} {
		if load32(e.regs, base+fakeRegControl)&fakeCtrlReset != 0 {
			store32(e.regs, fakeMM2SBase+fakeRegControl, 0)
			store32(e.regs, fakeS2MMBase+fakeRegControl, 0)
			e.presentSG()
			return
		}
	}

	for _, base := range []int{fakeMM2SBase, fakeS2MMBase} {
		status := load32(e.regs, base+fakeRegStatus)
		if load32(e.regs, base+fakeRegControl)&fakeCtrlRunStop == 0 {
			store32(e.regs, base+fakeRegStatus, status|fakeStatusHalted)
		} else {
			store32(e.regs, base+fakeRegStatus, status&^uint32(fakeStatusHalted))
		}
	}

	for i := 0; i < e.descCount; i++ {
		statusOff := i*fakeDescSize + fakeDescStatus
		if load32(e.arena, statusOff)&fakeBDComplete != 0 {
			continue
		}

		if e.transmit {
			// Consume the descriptor: report the submitted length as sent.
			sent := load32(e.arena, i*fakeDescSize+fakeDescControl) & fakeBDLenMask
			store32(e.arena, statusOff, fakeBDComplete|(sent&fakeBDXferMask))
			e.irq.fire()
		} else if e.produce > 0 {
			store32(e.arena, statusOff, fakeBDComplete|uint32(e.produce&fakeBDXferMask))
			e.irq.fire()
		}
	}
}
