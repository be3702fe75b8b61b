// Package broker implements the single logical owner of the topic trie
// and the session registry: the broker hub. It routes PUBLISH messages to
// matching subscribers and serialises the mutations that cross session
// boundaries (subscribe, unsubscribe, session takeover).
package broker

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/axmq/ax/encoding"
	"github.com/axmq/ax/hook"
	"github.com/axmq/ax/pkg/logger"
	"github.com/axmq/ax/session"
	"github.com/axmq/ax/topic"
)

// Registrant is the handle the hub holds for a live connection: a session
// plus enough of its identity to evict it on takeover. The hub never
// holds a back-pointer to the connection or its socket, only to the
// session's outbound queue (via EnqueueOutbound) and a Disconnect callback
// the connection task registers at accept time.
type Registrant struct {
	Session    *session.Session
	Disconnect func(reason encoding.ReasonCode)

	// GracefulDisconnect is used by broker-wide shutdown in place of
	// Disconnect: it gives the connection a bounded window to drain its
	// outbound queue before the DISCONNECT is sent and the socket closed.
	GracefulDisconnect func(reason encoding.ReasonCode, drain time.Duration)
}

// Hub owns the topic trie and the client_id -> Registrant map. The
// registry map is guarded by the hub's mutex and the topic router carries
// its own lock: the "fine-grained locks around the topic trie and session
// registry" concurrency model, as opposed to a single owning goroutine.
// Publish holds the hub's mutex for the whole fan-out, including any
// Disconnect callback it invokes for a subscriber whose queue is full.
type Hub struct {
	router   *topic.Router
	sessions *session.Manager
	metrics  *Metrics
	log      *logger.SlogLogger
	hooks    *hook.Manager

	mu        chanMutex
	connected map[string]*Registrant
}

// chanMutex is a trivial channel-based mutex; kept distinct from
// sync.Mutex only so the hub's single serialisation point reads as what
// it is: one admission queue, not a general-purpose lock used elsewhere.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// New creates a broker hub backed by the given session manager and a
// fresh topic router. hooks may be nil, in which case an empty Manager is
// used so callers (conn.Task) never need a nil check before dispatching a
// lifecycle event.
func New(sessions *session.Manager, metrics *Metrics, log *logger.SlogLogger, hooks *hook.Manager) *Hub {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if hooks == nil {
		hooks = hook.NewManager()
	}
	return &Hub{
		router:    topic.NewRouter(),
		sessions:  sessions,
		metrics:   metrics,
		log:       log,
		hooks:     hooks,
		mu:        newChanMutex(),
		connected: make(map[string]*Registrant),
	}
}

// Register admits a session into the hub. If a prior session shares the
// client_id, the new registrant replaces it in the registry and the prior
// one's Disconnect callback is then called with SessionTakenOver.
func (h *Hub) Register(r *Registrant) {
	h.mu.Lock()
	prior, existed := h.connected[r.Session.ClientID]
	h.connected[r.Session.ClientID] = r
	h.mu.Unlock()

	if existed && prior.Session != r.Session {
		h.metrics.TakeoversTotal.Inc()
		prior.Disconnect(encoding.ReasonSessionTakenOver)
	}
}

// Unregister removes a client's registrant from the hub, if it is still
// the one currently registered (a takeover may already have replaced it).
func (h *Hub) Unregister(clientID string, s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.connected[clientID]; ok && cur.Session == s {
		delete(h.connected, clientID)
	}
}

// Subscribe registers a topic filter for a client and persists the
// subscription options on its session.
func (h *Hub) Subscribe(s *session.Session, filter string, opts topic.Subscription) error {
	opts.ClientID = s.ClientID
	opts.TopicFilter = filter
	if err := h.router.Subscribe(&opts); err != nil {
		return errors.Wrap(err, "broker: subscribe")
	}
	s.AddSubscription(&session.Subscription{
		TopicFilter:            filter,
		QoS:                    opts.QoS,
		NoLocal:                opts.NoLocal,
		RetainAsPublished:      opts.RetainAsPublished,
		RetainHandling:         opts.RetainHandling,
		SubscriptionIdentifier: opts.SubscriptionIdentifier,
	})
	h.metrics.Subscriptions.Inc()
	return nil
}

// Unsubscribe removes a topic filter for a client.
func (h *Hub) Unsubscribe(s *session.Session, filter string) bool {
	ok := h.router.Unsubscribe(s.ClientID, filter)
	s.RemoveSubscription(filter)
	if ok {
		h.metrics.Subscriptions.Dec()
	}
	return ok
}

// PublishResult describes one fan-out recipient for metrics/logging.
type PublishResult struct {
	ClientID string
	QoS      byte
	Dropped  bool
}

// Publish resolves subscribers for topic via the trie and enqueues a
// PUBLISH frame on each matching session's outbound queue. The QoS
// delivered to each subscriber is min(qos, subscription.maximum_qos); a
// broker-allocated packet identifier is assigned for QoS > 0. Fan-out is
// logically atomic: every matched subscriber's queue is written before
// Publish returns, so no later frame from the same publisher can be
// observed being processed before this PUBLISH has been fanned out.
func (h *Hub) Publish(ctx context.Context, topicName string, payload []byte, qos byte, retain bool, publisherID string, encode func(subscriberQoS byte, packetID uint16, dup bool) ([]byte, error)) []PublishResult {
	subs := h.router.MatchWithPublisher(topicName, publisherID)
	results := make([]PublishResult, 0, len(subs))

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range subs {
		reg, ok := h.connected[sub.ClientID]
		if !ok {
			continue
		}

		deliverQoS := qos
		if sub.QoS < deliverQoS {
			deliverQoS = sub.QoS
		}

		var packetID uint16
		if deliverQoS > 0 {
			packetID = reg.Session.NextPacketID()
		}

		payloadBytes, err := encode(deliverQoS, packetID, false)
		if err != nil {
			h.log.Error("broker: encode publish for fan-out failed", "client_id", sub.ClientID, "error", err)
			continue
		}

		err = reg.Session.EnqueueOutbound(session.OutboundFrame{Payload: payloadBytes, QoS: deliverQoS})
		dropped := false
		if err != nil {
			if deliverQoS == 0 {
				dropped = true
				h.metrics.QueueDropsTotal.Inc()
			} else {
				h.metrics.QuotaExceededTotal.Inc()
				reg.Disconnect(encoding.ReasonQuotaExceeded)
			}
		} else {
			h.metrics.MessagesRoutedTotal.Inc()
		}

		results = append(results, PublishResult{ClientID: sub.ClientID, QoS: deliverQoS, Dropped: dropped})
	}

	return results
}

// Shutdown tells every currently registered connection to drain its
// outbound queue (bounded by drain) and disconnect with reason, then
// clears the registry. Each connection is signalled concurrently so the
// total wait is bounded by drain, not by the number of connections.
func (h *Hub) Shutdown(reason encoding.ReasonCode, drain time.Duration) {
	h.mu.Lock()
	registrants := make([]*Registrant, 0, len(h.connected))
	for _, r := range h.connected {
		registrants = append(registrants, r)
	}
	h.connected = make(map[string]*Registrant)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range registrants {
		if r.GracefulDisconnect == nil {
			continue
		}
		wg.Add(1)
		go func(r *Registrant) {
			defer wg.Done()
			r.GracefulDisconnect(reason, drain)
		}(r)
	}
	wg.Wait()
}

// Router exposes the underlying topic router for components (retained
// message replay, diagnostics) that need read-only match access without
// going through the full Publish fan-out path.
func (h *Hub) Router() *topic.Router { return h.router }

// Sessions exposes the session manager for CONNECT handling.
func (h *Hub) Sessions() *session.Manager { return h.sessions }

// Hooks exposes the hook manager so conn.Task can dispatch lifecycle
// events (OnConnect, OnPublish, OnSubscribe, ...) without the hub itself
// needing to know about connection-level packet types.
func (h *Hub) Hooks() *hook.Manager { return h.hooks }

// PublishWill implements session.WillPublisher: it is called by the
// session manager's expiry loop for a session whose will-delay has
// elapsed without a clean reconnect, and fans the will out exactly as an
// ordinary PUBLISH from clientID would be.
func (h *Hub) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	h.Publish(ctx, will.Topic, will.Payload, will.QoS, will.Retain, clientID, func(subQoS byte, packetID uint16, dup bool) ([]byte, error) {
		pkt := &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{
				Type:   encoding.PUBLISH,
				QoS:    encoding.QoS(subQoS),
				DUP:    dup,
				Retain: will.Retain,
			},
			TopicName: will.Topic,
			PacketID:  packetID,
			Payload:   will.Payload,
		}
		var buf bytes.Buffer
		if err := pkt.Encode(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	return nil
}
