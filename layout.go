// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Memory layout of a wheel (all fields little endian):
//
//   | head (headSize) | buckets (B * 4, 8 aligned) | slots ((n+1) * slotSize) |
//
// The memory holds no pointers, only slot positions, so it can be moved,
// persisted or mapped at different addresses in different processes.
// Slot 0 is never allocated (position 0 means "none" everywhere).

const (
	layoutMagic   = "SWT1"
	layoutVersion = 1

	// head offsets
	offMagic       = 0
	offVersion     = 4
	offMemSize     = 8
	offPayloadSize = 16
	offCapacity    = 24
	offBuckets     = 32
	offUsedNum     = 40
	offCurPos      = 48
	offCurTick     = 56
	offFreeHead    = 64
	offSeq         = 72
	offReserved    = 76
	headSize       = 80

	bucketSize = 4

	// slot offsets
	sOffPrev      = 0
	sOffNext      = 4
	sOffUsed      = 8
	sOffInterval  = 12
	sOffMaxFire   = 16
	sOffFireCount = 20
	sOffExpire    = 24
	sOffID        = 32
	sOffPayload   = 40
	slotHdrSize   = sOffPayload
)

const (
	DefaultBuckets = 60
	MaxBuckets     = 1 << 24
	MaxCapacity    = math.MaxUint32 - 1
	MaxPayloadSize = 1 << 20
)

// Layout describes the wheel geometry. It decides the memory size and it
// is stored in the head, so that Attach can refuse memory that was laid
// out for a different geometry.
type Layout struct {
	Capacity    int // maximum number of active timers
	PayloadSize int // bytes of opaque per timer data
	Buckets     int // wheel size, also the maximum interval (0 => 60)
}

func align8(v uint64) uint64 {
	return (v + 7) &^ 7
}

// withDefaults returns l with the zero fields replaced by defaults.
func (l Layout) withDefaults() Layout {
	if l.Buckets == 0 {
		l.Buckets = DefaultBuckets
	}
	return l
}

// Validate checks the layout parameters.
func (l Layout) Validate() error {
	l = l.withDefaults()
	if l.Capacity < 1 || uint64(l.Capacity) > MaxCapacity {
		return errors.Wrapf(ErrLayout, "capacity %d out of range [1, %d]",
			l.Capacity, uint64(MaxCapacity))
	}
	if l.PayloadSize < 0 || l.PayloadSize > MaxPayloadSize {
		return errors.Wrapf(ErrLayout, "payload size %d out of range [0, %d]",
			l.PayloadSize, MaxPayloadSize)
	}
	if l.Buckets < 1 || l.Buckets > MaxBuckets {
		return errors.Wrapf(ErrLayout, "buckets %d out of range [1, %d]",
			l.Buckets, MaxBuckets)
	}
	return nil
}

func (l Layout) slotSize() uint64 {
	return slotHdrSize + align8(uint64(l.PayloadSize))
}

func (l Layout) bucketsOff() uint64 {
	return headSize
}

func (l Layout) slotsOff() uint64 {
	return headSize + align8(uint64(l.withDefaults().Buckets)*bucketSize)
}

// MemSize returns the number of bytes needed for a wheel with this layout.
// It does not validate the layout.
func (l Layout) MemSize() int {
	l = l.withDefaults()
	return int(l.slotsOff() + uint64(l.Capacity+1)*l.slotSize())
}

// MemSize returns the memory needed for capacity timers with payloadSize
// bytes of data each, using the default number of buckets.
func MemSize(capacity, payloadSize int) int {
	return Layout{Capacity: capacity, PayloadSize: payloadSize}.MemSize()
}

// ReadLayout returns the layout stored in mem by a previous Init, without
// attaching to it.
func ReadLayout(mem []byte) (Layout, error) {
	if len(mem) < headSize {
		return Layout{}, errors.Wrapf(ErrLayout,
			"memory too small for the head: %d < %d", len(mem), headSize)
	}
	if string(mem[offMagic:offMagic+4]) != layoutMagic {
		return Layout{}, errors.Wrapf(ErrLayoutMismatch,
			"invalid magic %q", mem[offMagic:offMagic+4])
	}
	if v := binary.LittleEndian.Uint32(mem[offVersion:]); v != layoutVersion {
		return Layout{}, errors.Wrapf(ErrLayoutMismatch,
			"unsupported layout version %d, expected %d", v, layoutVersion)
	}
	l := Layout{
		Capacity:    int(binary.LittleEndian.Uint64(mem[offCapacity:])),
		PayloadSize: int(binary.LittleEndian.Uint64(mem[offPayloadSize:])),
		Buckets:     int(binary.LittleEndian.Uint64(mem[offBuckets:])),
	}
	if err := l.Validate(); err != nil || l.Buckets == 0 {
		return Layout{}, errors.Wrapf(ErrLayoutMismatch,
			"stored layout %+v is invalid", l)
	}
	return l, nil
}

// wmem is a view over the wheel memory. All the wheel state is read and
// written through it, nothing is cached outside the buffer.
type wmem struct {
	b          []byte
	slotSize   uint64
	slotsOff   uint64
	bucketsOff uint64
}

func newMem(b []byte, l Layout) wmem {
	return wmem{
		b:          b,
		slotSize:   l.slotSize(),
		slotsOff:   l.slotsOff(),
		bucketsOff: l.bucketsOff(),
	}
}

func (m wmem) u32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(m.b[off:])
}

func (m wmem) setU32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.b[off:], v)
}

func (m wmem) u64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(m.b[off:])
}

func (m wmem) setU64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.b[off:], v)
}

// head fields

func (m wmem) memSize() uint64 { return m.u64(offMemSize) }
func (m wmem) payloadSize() uint64 { return m.u64(offPayloadSize) }
func (m wmem) capacity() uint64 { return m.u64(offCapacity) }
func (m wmem) buckets() uint64 { return m.u64(offBuckets) }
func (m wmem) usedNum() uint64 { return m.u64(offUsedNum) }
func (m wmem) setUsedNum(v uint64) { m.setU64(offUsedNum, v) }
func (m wmem) curPos() uint64 { return m.u64(offCurPos) }
func (m wmem) curTick() Ticks { return NewTicks(m.u64(offCurTick)) }
func (m wmem) freeHead() uint32 { return uint32(m.u64(offFreeHead)) }
func (m wmem) setFreeHead(p uint32) { m.setU64(offFreeHead, uint64(p)) }
func (m wmem) seq() uint32 { return m.u32(offSeq) }
func (m wmem) setSeq(v uint32) { m.setU32(offSeq, v) }
func (m wmem) bucketOff(b uint64) uint64 { return m.bucketsOff + b*bucketSize }

// setCur records t as the last processed tick.
func (m wmem) setCur(t Ticks) {
	m.setU64(offCurTick, t.Val())
	m.setU64(offCurPos, t.Val()%m.buckets())
}

// writeHead initialises the head for a fresh wheel.
func (m wmem) writeHead(l Layout, now Ticks, seq uint32) {
	for i := 0; i < headSize; i++ {
		m.b[i] = 0
	}
	copy(m.b[offMagic:offMagic+4], layoutMagic)
	m.setU32(offVersion, layoutVersion)
	m.setU64(offMemSize, uint64(len(m.b)))
	m.setU64(offPayloadSize, uint64(l.PayloadSize))
	m.setU64(offCapacity, uint64(l.Capacity))
	m.setU64(offBuckets, uint64(l.Buckets))
	m.setSeq(seq)
	m.setCur(now)
}

// bucket heads

func (m wmem) bucketHead(b uint64) uint32 {
	return m.u32(m.bucketOff(b))
}

func (m wmem) setBucketHead(b uint64, p uint32) {
	m.setU32(m.bucketOff(b), p)
}

// slot fields

func (m wmem) slotOff(p uint32) uint64 {
	return m.slotsOff + uint64(p)*m.slotSize
}

func (m wmem) prev(p uint32) uint32 { return m.u32(m.slotOff(p) + sOffPrev) }
func (m wmem) setPrev(p, v uint32) { m.setU32(m.slotOff(p)+sOffPrev, v) }
func (m wmem) next(p uint32) uint32 { return m.u32(m.slotOff(p) + sOffNext) }
func (m wmem) setNext(p, v uint32) { m.setU32(m.slotOff(p)+sOffNext, v) }
func (m wmem) used(p uint32) bool { return m.u32(m.slotOff(p)+sOffUsed) != 0 }
func (m wmem) interval(p uint32) uint32 { return m.u32(m.slotOff(p) + sOffInterval) }
func (m wmem) maxFire(p uint32) uint32 { return m.u32(m.slotOff(p) + sOffMaxFire) }
func (m wmem) fireCount(p uint32) uint32 { return m.u32(m.slotOff(p) + sOffFireCount) }
func (m wmem) setFireCount(p, v uint32) { m.setU32(m.slotOff(p)+sOffFireCount, v) }
func (m wmem) expire(p uint32) Ticks { return NewTicks(m.u64(m.slotOff(p) + sOffExpire)) }
func (m wmem) setExpire(p uint32, t Ticks) { m.setU64(m.slotOff(p)+sOffExpire, t.Val()) }
func (m wmem) id(p uint32) TimerID { return TimerID(m.u64(m.slotOff(p) + sOffID)) }
func (m wmem) setID(p uint32, id TimerID) { m.setU64(m.slotOff(p)+sOffID, uint64(id)) }

func (m wmem) setUsed(p uint32, u bool) {
	var v uint32
	if u {
		v = 1
	}
	m.setU32(m.slotOff(p)+sOffUsed, v)
}

// setTimer fills the timer parameters of slot p.
func (m wmem) setTimer(p uint32, intvl, maxFire uint32, expire Ticks) {
	off := m.slotOff(p)
	m.setU32(off+sOffInterval, intvl)
	m.setU32(off+sOffMaxFire, maxFire)
	m.setU32(off+sOffFireCount, 0)
	m.setU64(off+sOffExpire, expire.Val())
}

// payload returns the payload area of slot p (no copy).
func (m wmem) payload(p uint32) []byte {
	off := m.slotOff(p) + sOffPayload
	return m.b[off : off+m.payloadSize()]
}
