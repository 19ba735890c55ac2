package cdb

// recordChunkCap is the fixed chunk size from §4.5.1/§9: large enough
// that most slots (256 buckets sharing a typical key set) fill their
// first chunk before needing another, small enough that an empty
// database doesn't pay for 256 oversized allocations.
const recordChunkCap = 254

type recordInfo struct {
	hash uint32
	rpos uint32
}

type recordChunk struct {
	next *recordChunk
	cnt  int
	rec  [recordChunkCap]recordInfo
}

// recordList is a singly-linked list of fixed-capacity chunks of
// (hash, rpos) pairs — one instance per hash-table slot on a Writer.
type recordList struct {
	head, tail *recordChunk
	count      int
}

func (l *recordList) push(hash, rpos uint32) {
	if l.tail == nil || l.tail.cnt == recordChunkCap {
		c := &recordChunk{}
		if l.tail == nil {
			l.head = c
		} else {
			l.tail.next = c
		}
		l.tail = c
	}
	l.tail.rec[l.tail.cnt] = recordInfo{hash: hash, rpos: rpos}
	l.tail.cnt++
	l.count++
}

// forEach visits every entry in insertion order, passing each
// recordInfo to fn by value.
func (l *recordList) forEach(fn func(recordInfo)) {
	for c := l.head; c != nil; c = c.next {
		for i := 0; i < c.cnt; i++ {
			fn(c.rec[i])
		}
	}
}
