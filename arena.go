// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

// initSlots zeroes all the slot headers and threads slots n..1 onto the
// free list, so that allocation starts with slot 1.
func (m wmem) initSlots(n uint32) {
	m.setFreeHead(0)
	m.setUsedNum(0)
	for p := uint32(0); p <= n; p++ {
		off := m.slotOff(p)
		for i := uint64(0); i < slotHdrSize; i++ {
			m.b[off+i] = 0
		}
	}
	for p := n; p > 0; p-- {
		m.setNext(p, m.freeHead())
		m.setFreeHead(p)
	}
}

// allocate pops the free list head and marks it used.
// It returns 0 if there are no free slots.
func (m wmem) allocate() uint32 {
	p := m.freeHead()
	used := m.usedNum()
	if p == 0 || used >= m.capacity() {
		return 0
	}
	if m.used(p) {
		BUG("free list head %d is marked used (used %d/%d)\n",
			p, used, m.capacity())
		return 0
	}
	m.setFreeHead(m.next(p))
	m.setUsedNum(used + 1)
	m.setUsed(p, true)
	m.setPrev(p, 0)
	m.setNext(p, 0)
	return p
}

// release marks slot p unused and pushes it on the free list.
// The slot must not be on any bucket list.
func (m wmem) release(p uint32) {
	if !m.used(p) {
		BUG("release called on unused slot %d (id %s)\n", p, m.id(p))
		return
	}
	m.setUsed(p, false)
	m.setPrev(p, 0)
	m.setNext(p, m.freeHead())
	m.setFreeHead(p)
	m.setUsedNum(m.usedNum() - 1)
}

// nextSeq returns the sequence number for a new allocation.
func (m wmem) nextSeq() uint32 {
	s := m.seq()
	m.setSeq(s + 1)
	return s
}
