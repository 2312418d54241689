// Package uaxidma is a user-space driver for AXI DMA engines in scatter/gather
// mode. A Channel wraps one engine channel behind a pool of fixed-size DMA
// buffers: applications acquire a buffer, fill it and submit it (mem-to-dev),
// or acquire a buffer, read it and hand it back (dev-to-mem), while the driver
// takes care of the descriptor ring, the register programming and the
// interrupt plumbing underneath.
package uaxidma

import (
	"errors"
	"fmt"

	"github.com/DanGala/uaxidma/axidma"
	"github.com/DanGala/uaxidma/config"
	"github.com/DanGala/uaxidma/udmabuf"
	"github.com/DanGala/uaxidma/uio"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	// ErrNoBuffers is returned by GetBuffer when every slot of the pool is
	// already acquired. Submit an outstanding buffer and try again.
	ErrNoBuffers = fmt.Errorf("buffer pool exhausted: %w", unix.EAGAIN)

	// ErrTimeout is returned by GetBuffer when no buffer completed within
	// the requested time.
	ErrTimeout = axidma.ErrTimeout

	// ErrWrongDirection is returned when SubmitBuffer is called on a
	// dev-to-mem channel or MarkReusable on a mem-to-dev channel.
	ErrWrongDirection = errors.New("operation does not match the channel direction")
)

type channelMetrics struct {
	acquired  metrics.Counter
	submitted metrics.Counter
	reused    metrics.Counter
	timeouts  metrics.Counter
}

func newChannelMetrics(direction axidma.Direction) channelMetrics {
	prefix := "dma." + direction.String()
	return channelMetrics{
		acquired:  metrics.GetOrRegisterCounter(prefix+".buffers.acquired", nil),
		submitted: metrics.GetOrRegisterCounter(prefix+".buffers.submitted", nil),
		reused:    metrics.GetOrRegisterCounter(prefix+".buffers.reused", nil),
		timeouts:  metrics.GetOrRegisterCounter(prefix+".acquire.timeouts", nil),
	}
}

// Channel is one DMA channel surfaced as a buffer pool.
//
// A channel is single-goroutine: acquisitions and releases must come from one
// goroutine, and buffers must be released in the order they were acquired.
// Releasing out of order has undefined results. Two channels with disjoint
// devices may run in different goroutines.
type Channel struct {
	ctrl *axidma.Controller

	arena *udmabuf.Buffer
	dev   *uio.Device

	mode      axidma.Mode
	direction axidma.Direction

	buffers []Buffer
	next    int
	// available counts unacquired slots when limited; submitting faster
	// than acquiring is impossible by construction, acquiring faster than
	// submitting is the back-pressure case.
	available int
	limited   bool

	metrics channelMetrics
	l       *logrus.Logger
}

// NewChannel opens the named u-dma-buf and UIO devices and builds a channel
// over them. udmabufSize of 0 uses the whole u-dma-buf memory past
// udmabufOffset. The channel owns both devices and releases them on Close.
func NewChannel(udmabufName string, udmabufSize, udmabufOffset int, uioName string, mode axidma.Mode, direction axidma.Direction, bufferSize int, l *logrus.Logger) (*Channel, error) {
	arena, err := udmabuf.Open(udmabufName, udmabufSize, udmabufOffset)
	if err != nil {
		return nil, err
	}

	dev, err := uio.Open(uioName)
	if err != nil {
		arena.Close()
		return nil, err
	}

	regs, err := dev.MapRegisters()
	if err != nil {
		dev.Close()
		arena.Close()
		return nil, err
	}

	ctrl, err := axidma.NewController(
		axidma.Arena{PhysAddr: arena.PhysAddr, Mem: arena.Mem},
		regs, dev, mode, direction, bufferSize, l)
	if err != nil {
		dev.Close()
		arena.Close()
		return nil, err
	}

	ch := newChannel(ctrl, l)
	ch.arena = arena
	ch.dev = dev

	l.WithFields(logrus.Fields{
		"udmabuf":   udmabufName,
		"uio":       uioName,
		"direction": direction,
		"mode":      mode,
	}).Info("DMA channel created")

	return ch, nil
}

// NewChannelFromConfig builds a channel from the dma config tree.
func NewChannelFromConfig(c *config.C, l *logrus.Logger) (*Channel, error) {
	mode, err := ParseMode(c.GetString("dma.mode", "normal"))
	if err != nil {
		return nil, err
	}

	direction, err := ParseDirection(c.GetString("dma.direction", ""))
	if err != nil {
		return nil, err
	}

	udmabufName := c.GetString("dma.udmabuf.name", "")
	if udmabufName == "" {
		return nil, errors.New("dma.udmabuf.name is not set")
	}

	uioName := c.GetString("dma.uio", "")
	if uioName == "" {
		return nil, errors.New("dma.uio is not set")
	}

	bufferSize := c.GetInt("dma.buffer_size", 0)
	if bufferSize <= 0 {
		return nil, errors.New("dma.buffer_size must be a positive byte count")
	}

	return NewChannel(
		udmabufName,
		c.GetInt("dma.udmabuf.size", 0),
		c.GetInt("dma.udmabuf.offset", 0),
		uioName,
		mode, direction, bufferSize, l)
}

// newChannel wires the pool state over a ready controller.
func newChannel(ctrl *axidma.Controller, l *logrus.Logger) *Channel {
	return &Channel{
		ctrl:      ctrl,
		mode:      ctrl.Mode(),
		direction: ctrl.Direction(),
		// In normal mode a slot stays busy from acquisition until its
		// submission, so acquisitions are bounded by the pool size. A
		// cyclic engine overwrites slots regardless of the application,
		// there is nothing to count.
		limited: ctrl.Mode() == axidma.Normal,
		metrics: newChannelMetrics(ctrl.Direction()),
		l:       l,
	}
}

// ParseMode maps a config string to a DMA mode.
func ParseMode(s string) (axidma.Mode, error) {
	switch s {
	case "normal":
		return axidma.Normal, nil
	case "cyclic":
		return axidma.Cyclic, nil
	default:
		return 0, fmt.Errorf("unknown dma mode %q. possible modes: normal, cyclic", s)
	}
}

// ParseDirection maps a config string to a transfer direction.
func ParseDirection(s string) (axidma.Direction, error) {
	switch s {
	case "mem_to_dev":
		return axidma.MM2S, nil
	case "dev_to_mem":
		return axidma.S2MM, nil
	default:
		return 0, fmt.Errorf("unknown dma direction %q. possible directions: mem_to_dev, dev_to_mem", s)
	}
}

// Initialize lays out the descriptor ring, starts the engine and builds one
// pool slot per descriptor. It must be called once before the first
// GetBuffer.
func (ch *Channel) Initialize() error {
	if err := ch.ctrl.Initialize(); err != nil {
		return fmt.Errorf("initialize dma engine: %w", err)
	}
	if err := ch.ctrl.Start(); err != nil {
		return fmt.Errorf("start dma engine: %w", err)
	}

	count := ch.ctrl.BufferCount()
	ch.buffers = make([]Buffer, count)
	for i := range ch.buffers {
		ch.buffers[i] = Buffer{
			data:  ch.ctrl.BufferBytes(i),
			index: i,
		}
	}

	ch.next = 0
	ch.available = count

	return nil
}

// GetBuffer acquires the next slot of the pool, waiting up to timeoutMs
// milliseconds (-1 blocks indefinitely, 0 polls) for the engine to complete
// it. On a dev-to-mem channel the returned buffer carries the received bytes
// and their count; on a mem-to-dev channel it is empty and ready to fill.
//
// When the pool is exhausted GetBuffer fails fast with ErrNoBuffers; when
// nothing completed in time it returns ErrTimeout. Both are recoverable.
func (ch *Channel) GetBuffer(timeoutMs int) (*Buffer, error) {
	if ch.limited && ch.available == 0 {
		return nil, ErrNoBuffers
	}

	// Acknowledge stale interrupts before checking for completion. An
	// interrupt firing between the check and the wait would otherwise be
	// acknowledged unseen and the wait could miss its edge.
	ch.ctrl.CleanInterrupt()

	if !ch.ctrl.BufferComplete(ch.next) {
		if err := ch.ctrl.PollInterrupt(timeoutMs); err != nil {
			if errors.Is(err, ErrTimeout) {
				ch.metrics.timeouts.Inc(1)
			}
			return nil, err
		}
	}

	buf := &ch.buffers[ch.next]
	if ch.direction == axidma.S2MM {
		buf.length = ch.ctrl.BufferLen(buf.index)
	} else {
		buf.length = 0
	}

	ch.next = (ch.next + 1) % len(ch.buffers)
	if ch.limited {
		ch.available--
	}
	ch.metrics.acquired.Inc(1)

	return buf, nil
}

// SubmitBuffer hands a filled buffer to the engine for transmission. Only
// valid on mem-to-dev channels, and only for the oldest outstanding buffer.
func (ch *Channel) SubmitBuffer(b *Buffer) error {
	if ch.direction != axidma.MM2S {
		return ErrWrongDirection
	}

	ch.ctrl.TransferBuffer(b.index, b.length)

	if ch.limited {
		ch.available++
	}
	ch.metrics.submitted.Inc(1)

	return nil
}

// MarkReusable returns a drained buffer to the engine. Only valid on
// dev-to-mem channels, and only for the oldest outstanding buffer.
func (ch *Channel) MarkReusable(b *Buffer) error {
	if ch.direction != axidma.S2MM {
		return ErrWrongDirection
	}

	ch.ctrl.ClearCompleteFlag(b.index)

	if ch.limited {
		ch.available++
	}
	ch.metrics.reused.Inc(1)

	return nil
}

// BufferCount returns the number of slots in the pool. Zero before
// Initialize.
func (ch *Channel) BufferCount() int {
	return len(ch.buffers)
}

// BufferSize returns the payload capacity of each slot.
func (ch *Channel) BufferSize() int {
	return ch.ctrl.BufferSize()
}

// Close resets the engine and releases the underlying devices and mappings.
func (ch *Channel) Close() error {
	var errs []error

	if err := ch.ctrl.Close(); err != nil {
		errs = append(errs, err)
	}
	if ch.dev != nil {
		if err := ch.dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if ch.arena != nil {
		if err := ch.arena.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
