package telemetry

import "log/slog"

// Message is a serialized publish waiting for the session.
type Message struct {
	Topic   string
	Payload []byte
}

// Sender writes one publish. *session.Session satisfies it.
type Sender interface {
	Publish(topic string, payload []byte) error
}

// Queue is a fixed-capacity FIFO that holds messages while disconnected.
// When full the oldest message is dropped.
// Not safe for concurrent use; the caller must synchronize.
type Queue struct {
	buf      []Message
	capacity int
	head     int // index of the oldest message
	count    int
	overflow bool // true if any message was dropped since the queue last emptied
	dropped  uint64
	log      *slog.Logger
}

// NewQueue returns an empty queue holding at most capacity messages.
func NewQueue(capacity int, log *slog.Logger) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		buf:      make([]Message, capacity),
		capacity: capacity,
		log:      log.With("component", "queue"),
	}
}

// Push appends m, dropping the oldest message when full.
func (q *Queue) Push(m Message) {
	tail := (q.head + q.count) % q.capacity
	if q.count == q.capacity {
		if !q.overflow {
			q.log.Warn("queue full, dropping oldest", "capacity", q.capacity)
			q.overflow = true
		}
		q.dropped++
		q.buf[q.head] = m
		q.head = (q.head + 1) % q.capacity
		return
	}
	q.buf[tail] = m
	q.count++
}

// Flush sends queued messages oldest first until the queue is empty or a
// send fails. A failed message is dropped; the rest stay queued.
func (q *Queue) Flush(s Sender) (sent int, err error) {
	return q.FlushN(s, 0)
}

// FlushN is Flush sending at most limit messages. limit <= 0 means no limit.
func (q *Queue) FlushN(s Sender, limit int) (sent int, err error) {
	for q.count > 0 && (limit <= 0 || sent < limit) {
		m := q.pop()
		if err := s.Publish(m.Topic, m.Payload); err != nil {
			q.dropped++
			return sent, err
		}
		sent++
	}
	if q.count == 0 {
		q.overflow = false
	}
	return sent, nil
}

func (q *Queue) pop() Message {
	m := q.buf[q.head]
	q.buf[q.head] = Message{}
	q.head = (q.head + 1) % q.capacity
	q.count--
	return m
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return q.count
}

// Dropped returns how many messages were lost to overflow or failed sends.
func (q *Queue) Dropped() uint64 {
	return q.dropped
}
