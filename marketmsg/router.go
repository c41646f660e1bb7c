package marketmsg

import (
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
)

// =============================================================================
// DELIVERIES
// =============================================================================

// Delivery is one outbound message in flight: the receiver it is addressed
// to, the kind tag, and the payload that will land in the receiver's inbox.
type Delivery struct {
	Receiver AgentID     `json:"receiver"`
	Kind     MessageKind `json:"kind"`
	Payload  any         `json:"payload"`
}

// =============================================================================
// PARTITIONING
// =============================================================================

// Partition maps an identity to a batch index in [0, n). The function is
// deterministic and documented so that partitioned runs are reproducible and
// independent of process layout: FNV-1a over the bytes of the group name,
// a ':' separator, and the decimal agent number, reduced modulo n. The same
// identity therefore lands in the same batch for a fixed n, within a run and
// across runs.
func Partition(id AgentID, n int) int {
	if n <= 0 {
		panic("marketmsg: partition count must be positive")
	}
	h := fnv.New32a()
	h.Write([]byte(id.Group))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(id.Num)))
	return int(h.Sum32() % uint32(n))
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps agent identities to their mailboxes. It is the only
// concurrently accessed structure in the messaging plane, so it carries its
// own lock; mailboxes themselves rely on the engine's phase barriers.
type Registry struct {
	mu    sync.RWMutex
	boxes map[AgentID]*Mailbox
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{boxes: make(map[AgentID]*Mailbox)}
}

// Register adds a mailbox under its owner identity. Registering an identity
// twice is an error.
func (r *Registry) Register(mb *Mailbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := mb.Owner()
	if _, exists := r.boxes[id]; exists {
		return NewDuplicateAgentError(id)
	}
	r.boxes[id] = mb
	return nil
}

// Deregister removes the identity; it reports whether it was present.
func (r *Registry) Deregister(id AgentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.boxes[id]; !exists {
		return false
	}
	delete(r.boxes, id)
	return true
}

// Lookup returns the mailbox registered for id.
func (r *Registry) Lookup(id AgentID) (*Mailbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.boxes[id]
	return mb, ok
}

// List returns all registered identities sorted by group, then number, so
// iteration order is stable across runs.
func (r *Registry) List() []AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]AgentID, 0, len(r.boxes))
	for id := range r.boxes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Group != ids[j].Group {
			return ids[i].Group < ids[j].Group
		}
		return ids[i].Num < ids[j].Num
	})
	return ids
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boxes)
}

// =============================================================================
// ROUTER
// =============================================================================

// Router moves deliveries from sender outboxes into receiver inboxes at the
// delivery phase. Direct mode flushes straight through the registry;
// partitioned mode splits an outbox into index-stable batches that the
// engine exchanges between workers before each worker applies the batches
// addressed to its own agents.
type Router struct {
	registry   *Registry
	logger     Logger
	middleware []DeliveryMiddleware
}

// NewRouter creates a router over the registry.
func NewRouter(registry *Registry, logger Logger) *Router {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &Router{registry: registry, logger: logger}
}

// Use appends delivery middleware. Middleware runs in registration order on
// the way in and in reverse order on the way out.
func (r *Router) Use(mw DeliveryMiddleware) {
	r.middleware = append(r.middleware, mw)
}

// Registry returns the registry the router delivers through.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Deliver flushes one sender's outbox directly into receiver inboxes. The
// outbox is drained up front, so a failed pass never redelivers. A delivery
// addressed to an unregistered identity is a fatal UnknownReceiverError.
func (r *Router) Deliver(mb *Mailbox) error {
	deliveries := mb.takeOutbox()
	for _, delivery := range deliveries {
		if err := r.deposit(delivery); err != nil {
			return err
		}
	}
	if len(deliveries) > 0 {
		r.logger.Debug("outbox_delivered",
			"sender", mb.Owner().String(),
			"deliveries", len(deliveries),
		)
	}
	return nil
}

// DeliverAll flushes every registered mailbox in stable identity order.
func (r *Router) DeliverAll() error {
	for _, id := range r.registry.List() {
		mb, ok := r.registry.Lookup(id)
		if !ok {
			continue
		}
		if err := r.Deliver(mb); err != nil {
			return err
		}
	}
	return nil
}

// PartitionOutbox drains the mailbox outbox into n batches keyed by
// Partition(receiver, n). The caller exchanges the batches between workers;
// each batch must then be applied by the worker owning that partition via
// DeliverBatch.
func (r *Router) PartitionOutbox(mb *Mailbox, n int) [][]Delivery {
	batches := make([][]Delivery, n)
	for _, delivery := range mb.takeOutbox() {
		idx := Partition(delivery.Receiver, n)
		batches[idx] = append(batches[idx], delivery)
	}
	return batches
}

// DeliverBatch applies one exchanged batch through the local registry. The
// engine guarantees every receiver in the batch belongs to the calling
// worker's partition, so no two workers ever write the same inbox.
func (r *Router) DeliverBatch(batch []Delivery) error {
	for _, delivery := range batch {
		if err := r.deposit(delivery); err != nil {
			return err
		}
	}
	return nil
}

// deposit runs the middleware chain and appends the delivery to the
// receiver's inbox.
func (r *Router) deposit(delivery Delivery) error {
	d := delivery
	for _, mw := range r.middleware {
		var err error
		d, err = mw.Before(d)
		if err != nil {
			r.runAfter(d, err)
			return err
		}
	}

	var err error
	if mb, ok := r.registry.Lookup(d.Receiver); ok {
		mb.Deposit(d.Kind, d.Payload)
	} else {
		err = NewUnknownReceiverError(d.Receiver, d.Kind)
	}

	r.runAfter(d, err)
	return err
}

func (r *Router) runAfter(d Delivery, err error) {
	for i := len(r.middleware) - 1; i >= 0; i-- {
		r.middleware[i].After(d, err)
	}
}
