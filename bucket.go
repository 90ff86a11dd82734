// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

// Each bucket is the head of a non-circular doubly linked list of slot
// positions. 0 terminates the list in both directions.
// There's no internal locking.

// bucketFor returns the bucket for an absolute expire tick.
func (m wmem) bucketFor(expire Ticks) uint64 {
	return expire.Val() % m.buckets()
}

// linkFront adds slot p at the beginning of bucket b.
// p must be detached (allocated, but on no list).
func (m wmem) linkFront(b uint64, p uint32) {
	// DBG checks:
	if m.prev(p) != 0 || m.next(p) != 0 || !m.used(p) {
		BUG("linkFront called on an entry not detached: slot %d (%s)"+
			" bucket %d prev %d next %d used %v\n",
			p, m.id(p), b, m.prev(p), m.next(p), m.used(p))
	}
	h := m.bucketHead(b)
	m.setPrev(p, 0)
	m.setNext(p, h)
	if h != 0 {
		m.setPrev(h, p)
	}
	m.setBucketHead(b, p)
}

// unlink removes slot p from its bucket list. The bucket is found from the
// slot expire, so the whole operation is O(1).
func (m wmem) unlink(p uint32) {
	if !m.used(p) {
		BUG("unlink called on unused slot %d (%s)\n", p, m.id(p))
		return
	}
	b := m.bucketFor(m.expire(p))
	prev, next := m.prev(p), m.next(p)
	if prev == 0 {
		if m.bucketHead(b) != p {
			BUG("slot %d (%s) has no prev but bucket %d head is %d\n",
				p, m.id(p), b, m.bucketHead(b))
			return
		}
		m.setBucketHead(b, next)
	} else {
		m.setNext(prev, next)
	}
	if next != 0 {
		m.setPrev(next, prev)
	}
	// mark p as detached
	m.setPrev(p, 0)
	m.setNext(p, 0)
}

// snapshotDue appends to dst the ids of all the timers in bucket b that
// expire at or before t and returns the extended slice.
// Firing from the snapshot (and not from the list itself) allows the
// callbacks to delete any timer, including the not yet visited ones.
func (m wmem) snapshotDue(b uint64, t Ticks, dst []TimerID) []TimerID {
	for p := m.bucketHead(b); p != 0; p = m.next(p) {
		if m.expire(p).LE(t) {
			dst = append(dst, m.id(p))
		}
	}
	return dst
}
