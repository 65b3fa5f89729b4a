package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

const dispatcherBufferSize = 16

// Dispatcher is an in-process Broker used for tests and single-node
// deployments. Fan-out is per room; slow subscribers drop messages rather
// than block the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*dispatcherSubscriber
	nextID      int64
	bufferSize  int
}

type dispatcherSubscriber struct {
	id     int64
	stream chan Envelope
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*dispatcherSubscriber),
		bufferSize:  dispatcherBufferSize,
	}
}

func (d *Dispatcher) Publish(ctx context.Context, room string, envelope Envelope) error {
	if room == "" || envelope.Type == "" {
		return nil
	}
	// Sends stay under the read lock so unregisterSubscriber cannot close a
	// stream mid-send.
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[room] {
		select {
		case subscriber.stream <- envelope:
		default:
		}
	}
	return nil
}

func (d *Dispatcher) Subscribe(ctx context.Context, room string) (<-chan Envelope, func(), error) {
	if room == "" {
		ch := make(chan Envelope)
		close(ch)
		return ch, func() {}, nil
	}
	subscriber := &dispatcherSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Envelope, d.bufferSize),
	}
	d.registerSubscriber(room, subscriber)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.unregisterSubscriber(room, subscriber.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return subscriber.stream, cancel, nil
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(room string, subscriber *dispatcherSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[room]; !ok {
		d.subscribers[room] = make(map[int64]*dispatcherSubscriber)
	}
	d.subscribers[room][subscriber.id] = subscriber
}

// unregisterSubscriber removes and closes the stream so receive loops
// ranging over it terminate. Callers guarantee single invocation via the
// sync.Once in Subscribe.
func (d *Dispatcher) unregisterSubscriber(room string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[room]
	if subscriber, ok := subscribers[subscriberID]; ok {
		delete(subscribers, subscriberID)
		close(subscriber.stream)
		if len(subscribers) == 0 {
			delete(d.subscribers, room)
		}
	}
	d.mu.Unlock()
}

// MemoryPresence keeps room rosters in process memory. Members whose last
// heartbeat is older than staleAfter are pruned on read.
type MemoryPresence struct {
	mu         sync.Mutex
	rooms      map[string]map[string]Member
	staleAfter time.Duration
	clock      func() time.Time
}

func NewMemoryPresence(staleAfter time.Duration, clock func() time.Time) *MemoryPresence {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryPresence{
		rooms:      make(map[string]map[string]Member),
		staleAfter: staleAfter,
		clock:      clock,
	}
}

func (p *MemoryPresence) Join(ctx context.Context, room string, member Member) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rooms[room]; !ok {
		p.rooms[room] = make(map[string]Member)
	}
	member.LastSeenAt = p.clock().UTC()
	p.rooms[room][member.UserID] = member
	return nil
}

func (p *MemoryPresence) Heartbeat(ctx context.Context, room, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	member, ok := p.rooms[room][userID]
	if !ok {
		return nil
	}
	member.LastSeenAt = p.clock().UTC()
	p.rooms[room][userID] = member
	return nil
}

func (p *MemoryPresence) Leave(ctx context.Context, room, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	members := p.rooms[room]
	delete(members, userID)
	if len(members) == 0 {
		delete(p.rooms, room)
	}
	return nil
}

func (p *MemoryPresence) Members(ctx context.Context, room string) ([]Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.clock().UTC().Add(-p.staleAfter)
	members := make([]Member, 0, len(p.rooms[room]))
	for userID, member := range p.rooms[room] {
		if p.staleAfter > 0 && member.LastSeenAt.Before(cutoff) {
			delete(p.rooms[room], userID)
			continue
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}
