package conn

// sendQueue is a bounded FIFO of pending outbound messages. On overflow the
// oldest entry is dropped, never the newest: the latest audio and text data
// beats backlog.
type sendQueue struct {
	items   [][]byte
	maxSize int
	dropped int64
}

func newSendQueue(maxSize int) *sendQueue {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &sendQueue{maxSize: maxSize}
}

// push enqueues data, reporting whether an old entry was dropped to make room.
func (q *sendQueue) push(data []byte) bool {
	overflow := false
	if len(q.items) >= q.maxSize {
		q.items = q.items[1:]
		q.dropped++
		overflow = true
	}
	q.items = append(q.items, data)
	return overflow
}

// pushFront puts a message back at the head after a failed drain write, so
// redelivery keeps the original order. The queue may briefly exceed its bound
// by one here; the next push rebalances.
func (q *sendQueue) pushFront(data []byte) {
	q.items = append([][]byte{data}, q.items...)
}

// pop removes and returns the oldest entry.
func (q *sendQueue) pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	data := q.items[0]
	q.items = q.items[1:]
	return data, true
}

func (q *sendQueue) len() int {
	return len(q.items)
}

func (q *sendQueue) droppedTotal() int64 {
	return q.dropped
}
