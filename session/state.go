// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package session

import "sort"

// Status of the broker connection
type Status int

// Connection statuses
const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// EventType is the type of an Event
type EventType int

// Event types. The first group is emitted by the broker, the second by the Manager itself.
const (
	EventConnectAck EventType = iota + 1
	EventConnectionLost
	EventPublishAck
	EventSubscribeAck
	EventAckTimeout
	EventMessage

	EventConnecting
	EventConnectFailed
	EventDisconnect
	EventPublishSent
	EventSubscribeSent
)

var eventNames = map[EventType]string{
	EventConnectAck:     "ConnectAck",
	EventConnectionLost: "ConnectionLost",
	EventPublishAck:     "PublishAck",
	EventSubscribeAck:   "SubscribeAck",
	EventAckTimeout:     "AckTimeout",
	EventMessage:        "Message",
	EventConnecting:     "Connecting",
	EventConnectFailed:  "ConnectFailed",
	EventDisconnect:     "Disconnect",
	EventPublishSent:    "PublishSent",
	EventSubscribeSent:  "SubscribeSent",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Event is something that happened to the session
type Event struct {
	Type      EventType
	MessageID uint16
	Topic     string
	QoS       byte
	Payload   []byte
	Publish   *PendingPublish
	Err       error
}

// PendingPublish is a publish that is waiting for its acknowledgement
type PendingPublish struct {
	DeviceID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retries  int

	done chan<- error
}

// complete notifies a waiting PublishWait, if any
func (p *PendingPublish) complete(err error) {
	if p.done == nil {
		return
	}
	select {
	case p.done <- err:
	default:
	}
}

type pendingSubscribe struct {
	Topic string
	QoS   byte
}

// Effect tells the Manager what to do after applying an Event
type Effect int

// Effects
const (
	EffectNone Effect = iota
	EffectReconnect
	EffectConnected
	EffectRepublish
	EffectCompleted
	EffectDropped
	EffectUnknownAck
	EffectDeliver
	EffectUnsolicited
)

// Result of applying an Event
type Result struct {
	Effect Effect

	// Publish is set for EffectRepublish and for EffectCompleted/EffectDropped of publishes
	Publish *PendingPublish

	// Topic is set for effects on subscriptions and messages
	Topic string

	// Resend and Restore are set for EffectConnected
	Resend  []*PendingPublish
	Restore map[string]byte
}

// State is the bookkeeping of the session. It is not safe for concurrent use;
// the Manager guards it with a single mutex.
type State struct {
	Status            Status
	PendingPublishes  map[uint16]*PendingPublish
	PendingSubscribes map[uint16]pendingSubscribe
	Subscriptions     map[string]byte
	MaxPublishRetries int
}

// NewState returns an empty, disconnected State
func NewState(maxPublishRetries int) *State {
	return &State{
		Status:            Disconnected,
		PendingPublishes:  make(map[uint16]*PendingPublish),
		PendingSubscribes: make(map[uint16]pendingSubscribe),
		Subscriptions:     make(map[string]byte),
		MaxPublishRetries: maxPublishRetries,
	}
}

// InUse returns true if the message ID belongs to a pending operation
func (s *State) InUse(id uint16) bool {
	_, publish := s.PendingPublishes[id]
	_, subscribe := s.PendingSubscribes[id]
	return publish || subscribe
}

// Apply an Event to the State and return what should happen next.
// Apply does no I/O.
func (s *State) Apply(evt Event) Result {
	switch evt.Type {
	case EventConnecting:
		s.Status = Connecting
	case EventConnectFailed:
		s.Status = Disconnected
	case EventConnectAck:
		if s.Status == Connected {
			return Result{}
		}
		s.Status = Connected
		res := Result{Effect: EffectConnected, Restore: make(map[string]byte, len(s.Subscriptions))}
		for topic, qos := range s.Subscriptions {
			res.Restore[topic] = qos
		}
		ids := make([]int, 0, len(s.PendingPublishes))
		for id := range s.PendingPublishes {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		for _, id := range ids {
			res.Resend = append(res.Resend, s.PendingPublishes[uint16(id)])
			delete(s.PendingPublishes, uint16(id))
		}
		return res
	case EventConnectionLost:
		wasDisconnected := s.Status == Disconnected
		s.disconnect()
		if wasDisconnected {
			return Result{}
		}
		return Result{Effect: EffectReconnect}
	case EventDisconnect:
		s.disconnect()
	case EventPublishSent:
		if evt.Publish != nil {
			s.PendingPublishes[evt.MessageID] = evt.Publish
		}
	case EventSubscribeSent:
		s.PendingSubscribes[evt.MessageID] = pendingSubscribe{Topic: evt.Topic, QoS: evt.QoS}
	case EventPublishAck:
		p, ok := s.PendingPublishes[evt.MessageID]
		if !ok {
			return Result{Effect: EffectUnknownAck}
		}
		if evt.Err != nil {
			return s.failPublish(evt.MessageID, p)
		}
		delete(s.PendingPublishes, evt.MessageID)
		return Result{Effect: EffectCompleted, Publish: p, Topic: p.Topic}
	case EventSubscribeAck:
		sub, ok := s.PendingSubscribes[evt.MessageID]
		if !ok {
			return Result{Effect: EffectUnknownAck}
		}
		delete(s.PendingSubscribes, evt.MessageID)
		if evt.Err != nil {
			return Result{Effect: EffectDropped, Topic: sub.Topic}
		}
		s.Subscriptions[sub.Topic] = sub.QoS
		return Result{Effect: EffectCompleted, Topic: sub.Topic}
	case EventAckTimeout:
		if p, ok := s.PendingPublishes[evt.MessageID]; ok {
			return s.failPublish(evt.MessageID, p)
		}
		if sub, ok := s.PendingSubscribes[evt.MessageID]; ok {
			// Restored after the next reconnect
			delete(s.PendingSubscribes, evt.MessageID)
			s.Subscriptions[sub.Topic] = sub.QoS
			return Result{Effect: EffectDropped, Topic: sub.Topic}
		}
		return Result{Effect: EffectUnknownAck}
	case EventMessage:
		if _, ok := s.Subscriptions[evt.Topic]; ok {
			return Result{Effect: EffectDeliver, Topic: evt.Topic}
		}
		for _, sub := range s.PendingSubscribes {
			if sub.Topic == evt.Topic {
				return Result{Effect: EffectDeliver, Topic: evt.Topic}
			}
		}
		return Result{Effect: EffectUnsolicited, Topic: evt.Topic}
	}
	return Result{}
}

// failPublish handles a publish that was not acknowledged. QoS 0 publishes are
// never retried. While disconnected, QoS 1 publishes are kept for the next connection.
func (s *State) failPublish(id uint16, p *PendingPublish) Result {
	if p.QoS > 0 && s.Status != Connected {
		return Result{}
	}
	delete(s.PendingPublishes, id)
	if p.QoS > 0 && p.Retries < s.MaxPublishRetries {
		p.Retries++
		return Result{Effect: EffectRepublish, Publish: p, Topic: p.Topic}
	}
	return Result{Effect: EffectDropped, Publish: p, Topic: p.Topic}
}

// disconnect marks the state disconnected. QoS 0 publishes are forgotten, QoS 1
// publishes are kept to be resent and pending subscriptions become subscriptions
// that are restored on the next connection.
func (s *State) disconnect() {
	s.Status = Disconnected
	for id, p := range s.PendingPublishes {
		if p.QoS == 0 {
			delete(s.PendingPublishes, id)
		}
	}
	for id, sub := range s.PendingSubscribes {
		s.Subscriptions[sub.Topic] = sub.QoS
		delete(s.PendingSubscribes, id)
	}
}
