// Package broadcast delivers volume notifications to command clients.
package broadcast

import (
	"sync"

	"git.srvlab.io/whiskey/vold/pkg/observability"
	"k8s.io/klog/v2"
)

// Response codes carried by broadcasts
const (
	VolumeStateChange        = 605
	VolumeMountFailedBlank   = 610
	VolumeMountFailedDamaged = 611
	VolumeMountFailedNoMedia = 612
	ShareAvailabilityChange  = 620
	VolumeDiskInserted       = 630
	VolumeDiskRemoved        = 631
	VolumeBadRemoval         = 632
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 64

// Broadcaster sends a notification to every connected client
type Broadcaster interface {
	SendBroadcast(code int, msg string)
}

// Message is one delivered broadcast
type Message struct {
	Seq  uint64
	Code int
	Text string
}

// Hub fans broadcasts out to subscribers in send order. A subscriber whose
// queue is full misses the message; senders are never blocked.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  int
	subs    map[int]chan Message
	metrics *observability.Metrics
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Message)}
}

// SetMetrics sets the Prometheus metrics recorder for the hub.
func (h *Hub) SetMetrics(m *observability.Metrics) {
	h.metrics = m
}

// Subscribe registers a client. The returned cancel func closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Message, buffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// SendBroadcast delivers msg to all subscribers
func (h *Hub) SendBroadcast(code int, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	m := Message{Seq: h.seq, Code: code, Text: msg}
	klog.V(2).Infof("Broadcast %d: %s", code, msg)

	for id, ch := range h.subs {
		select {
		case ch <- m:
		default:
			klog.Warningf("Subscriber %d is not keeping up, dropped broadcast %d", id, m.Seq)
			h.metrics.RecordBroadcastDropped()
		}
	}
}
