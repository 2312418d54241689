// Package axidma drives an AXI DMA engine in scatter/gather mode from user
// space. The engine's registers are reached through a memory-mapped UIO
// window and the buffer descriptors live together with their payload buffers
// in a single physically contiguous, DMA-coherent region.
// This package does not locate or map those resources itself; it consumes
// them from the udmabuf and uio packages (or from anything else that honours
// the same contracts) and only implements the ring layout and the register
// programming sequences.
package axidma
