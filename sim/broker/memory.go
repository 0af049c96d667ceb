package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// unlimitedPrefetch bounds the delivery buffer when a consumer asks for no limit.
const unlimitedPrefetch = 4096

// Memory is an in-process broker. Queues are created on first use. Each
// Connect call returns an independent connection, so several workers in one
// process behave like separate clients of one RabbitMQ server: deliveries
// are spread round-robin across consumers that have prefetch room, and a
// closed connection's unacknowledged deliveries go back to the queue.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	nextTag uint64
}

type memMessage struct {
	body        []byte
	redelivered bool
}

type memQueue struct {
	name      string
	ready     []memMessage
	consumers []*memSub
	rr        int
	inflight  int
}

// NewMemory creates an empty broker.
func NewMemory() *Memory {
	return &Memory{queues: make(map[string]*memQueue)}
}

// Connect opens a new connection to the broker.
func (m *Memory) Connect() *MemoryConn {
	return &MemoryConn{m: m, subs: make(map[*memSub]struct{})}
}

// Ready returns the number of messages waiting in queue.
func (m *Memory) Ready(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue(queue).ready)
}

// Messages returns a copy of the bodies waiting in queue, oldest first.
func (m *Memory) Messages(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queue)
	out := make([][]byte, len(q.ready))
	for i, msg := range q.ready {
		out[i] = append([]byte(nil), msg.body...)
	}
	return out
}

// InFlight returns the number of deliveries from queue not yet settled.
func (m *Memory) InFlight(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue(queue).inflight
}

// Consumers returns the number of active subscriptions on queue.
func (m *Memory) Consumers(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue(queue).consumers)
}

// Purge drops every waiting message in queue and returns how many were dropped.
func (m *Memory) Purge(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue(queue)
	n := len(q.ready)
	q.ready = nil
	return n
}

// queue returns the named queue, creating it. Caller holds mu.
func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{name: name}
		m.queues[name] = q
	}
	return q
}

// dispatch hands ready messages to consumers with prefetch room. Caller holds mu.
func (m *Memory) dispatch(q *memQueue) {
	for len(q.ready) > 0 {
		sub := q.nextConsumer()
		if sub == nil {
			return
		}
		msg := q.ready[0]
		q.ready[0] = memMessage{}
		q.ready = q.ready[1:]

		m.nextTag++
		tag := m.nextTag
		sub.unacked[tag] = msg
		q.inflight++
		// Never blocks: buffered deliveries are a subset of unacked ones and
		// len(unacked) <= prefetch == cap(out).
		sub.out <- Delivery{
			Queue:        q.name,
			Body:         msg.body,
			Tag:          tag,
			Redelivered:  msg.redelivered,
			Acknowledger: sub,
		}
	}
}

// requeue puts messages back at the head of the queue. Caller holds mu.
func (m *Memory) requeue(q *memQueue, msgs []memMessage) {
	if len(msgs) == 0 {
		return
	}
	for i := range msgs {
		msgs[i].redelivered = true
	}
	q.ready = append(msgs, q.ready...)
	m.dispatch(q)
}

func (q *memQueue) nextConsumer() *memSub {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.rr + i) % n
		c := q.consumers[idx]
		if len(c.unacked) < c.prefetch {
			q.rr = (idx + 1) % n
			return c
		}
	}
	return nil
}

func (q *memQueue) remove(sub *memSub) {
	for i, c := range q.consumers {
		if c == sub {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			if q.rr > i {
				q.rr--
			}
			if len(q.consumers) == 0 || q.rr >= len(q.consumers) {
				q.rr = 0
			}
			return
		}
	}
}

// MemoryConn is one client connection to a Memory broker. It implements Broker.
type MemoryConn struct {
	m      *Memory
	subs   map[*memSub]struct{}
	closed bool
}

var _ Broker = (*MemoryConn)(nil)

// Publish appends body to queue.
func (c *MemoryConn) Publish(ctx context.Context, queue string, body []byte, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: publish on closed connection", ErrTransport)
	}
	q := c.m.queue(queue)
	q.ready = append(q.ready, memMessage{body: append([]byte(nil), body...)})
	c.m.dispatch(q)
	return nil
}

// Consume subscribes to queue.
func (c *MemoryConn) Consume(ctx context.Context, queue string, prefetch int) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = unlimitedPrefetch
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: consume on closed connection", ErrTransport)
	}
	q := c.m.queue(queue)
	sub := &memSub{
		conn:     c,
		queue:    q,
		prefetch: prefetch,
		out:      make(chan Delivery, prefetch),
		unacked:  make(map[uint64]memMessage),
		active:   true,
	}
	q.consumers = append(q.consumers, sub)
	c.subs[sub] = struct{}{}
	c.m.dispatch(q)
	return sub, nil
}

// Close cancels every subscription and requeues unacknowledged deliveries.
func (c *MemoryConn) Close() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for sub := range c.subs {
		sub.stop()
		c.m.requeue(sub.queue, sub.takeUnacked())
	}
	c.subs = nil
	return nil
}

// Drop simulates a lost connection: like Close, but subscribers see their
// delivery channel close without having cancelled.
func (c *MemoryConn) Drop() {
	_ = c.Close()
}

type memSub struct {
	conn     *MemoryConn
	queue    *memQueue
	prefetch int
	out      chan Delivery
	unacked  map[uint64]memMessage
	active   bool
}

func (s *memSub) Deliveries() <-chan Delivery { return s.out }

// Cancel stops delivery. Deliveries already received stay unacknowledged
// until settled or the connection closes.
func (s *memSub) Cancel() error {
	s.conn.m.mu.Lock()
	defer s.conn.m.mu.Unlock()
	s.stop()
	return nil
}

// stop detaches the subscription from its queue. Caller holds mu.
func (s *memSub) stop() {
	if !s.active {
		return
	}
	s.active = false
	s.queue.remove(s)
	close(s.out)
}

// takeUnacked removes and returns unacked messages in delivery order. Caller holds mu.
func (s *memSub) takeUnacked() []memMessage {
	tags := make([]uint64, 0, len(s.unacked))
	for tag := range s.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	msgs := make([]memMessage, len(tags))
	for i, tag := range tags {
		msgs[i] = s.unacked[tag]
		delete(s.unacked, tag)
	}
	s.queue.inflight -= len(msgs)
	return msgs
}

// settle removes tag (and, with multiple, every earlier tag) from the
// unacked set. Caller holds mu.
func (s *memSub) settle(tag uint64, multiple bool) ([]memMessage, error) {
	if _, ok := s.unacked[tag]; !ok {
		return nil, fmt.Errorf("%w: unknown delivery tag %d", ErrTransport, tag)
	}
	if !multiple {
		msg := s.unacked[tag]
		delete(s.unacked, tag)
		s.queue.inflight--
		return []memMessage{msg}, nil
	}
	var tags []uint64
	for t := range s.unacked {
		if t <= tag {
			tags = append(tags, t)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	msgs := make([]memMessage, len(tags))
	for i, t := range tags {
		msgs[i] = s.unacked[t]
		delete(s.unacked, t)
	}
	s.queue.inflight -= len(msgs)
	return msgs, nil
}

func (s *memSub) Ack(tag uint64, multiple bool) error {
	s.conn.m.mu.Lock()
	defer s.conn.m.mu.Unlock()
	if _, err := s.settle(tag, multiple); err != nil {
		return err
	}
	s.conn.m.dispatch(s.queue)
	return nil
}

func (s *memSub) Nack(tag uint64, multiple, requeue bool) error {
	s.conn.m.mu.Lock()
	defer s.conn.m.mu.Unlock()
	msgs, err := s.settle(tag, multiple)
	if err != nil {
		return err
	}
	if requeue {
		s.conn.m.requeue(s.queue, msgs)
		return nil
	}
	s.conn.m.dispatch(s.queue)
	return nil
}

func (s *memSub) Reject(tag uint64, requeue bool) error {
	return s.Nack(tag, false, requeue)
}
