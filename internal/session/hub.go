package session

import "sync"

// Subscription receives state snapshots. When the reader falls behind, older
// snapshots are dropped in favour of the newest.
type Subscription struct {
	C <-chan State

	ch   chan State
	hub  *Hub
	once sync.Once
}

// Close stops delivery. C is closed once the hub has let go of it.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub fans state snapshots out to subscribers in publish order. Subscribe
// and Publish share one queue, so a subscriber only sees states published
// after it subscribed.
type Hub struct {
	subs map[*Subscription]bool

	queue      chan hubMsg
	unregister chan *Subscription
	stop       chan struct{}
	stopOnce   sync.Once
}

// hubMsg is either a new subscriber or a state to fan out.
type hubMsg struct {
	sub   *Subscription
	state State
}

func NewHub() *Hub {
	return &Hub{
		subs:       make(map[*Subscription]bool),
		queue:      make(chan hubMsg, 64),
		unregister: make(chan *Subscription),
		stop:       make(chan struct{}),
	}
}

// Run must be started in its own goroutine. It returns after Stop, closing
// every subscription.
func (h *Hub) Run() {
	for {
		select {
		case msg := <-h.queue:
			if msg.sub != nil {
				h.subs[msg.sub] = true
				continue
			}
			for s := range h.subs {
				deliver(s.ch, msg.state)
			}

		case s := <-h.unregister:
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.ch)
			}

		case <-h.stop:
			for s := range h.subs {
				delete(h.subs, s)
				close(s.ch)
			}
			h.drain()
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Subscribe registers a new subscriber. On a stopped hub the returned
// subscription is already closed.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan State, 16)
	s := &Subscription{C: ch, ch: ch, hub: h}
	select {
	case <-h.stop:
		close(ch)
		return s
	default:
	}
	select {
	case h.queue <- hubMsg{sub: s}:
	case <-h.stop:
		close(ch)
	}
	return s
}

// Publish queues st for every subscriber. It is dropped after Stop.
func (h *Hub) Publish(st State) {
	select {
	case h.queue <- hubMsg{state: st}:
	case <-h.stop:
	}
}

// drain closes subscriptions still queued when the hub stopped.
func (h *Hub) drain() {
	for {
		select {
		case msg := <-h.queue:
			if msg.sub != nil {
				close(msg.sub.ch)
			}
		default:
			return
		}
	}
}

func (h *Hub) unsubscribe(s *Subscription) {
	select {
	case h.unregister <- s:
	case <-h.stop:
	}
}

func deliver(ch chan State, st State) {
	select {
	case ch <- st:
		return
	default:
	}
	// full: drop the oldest
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}
