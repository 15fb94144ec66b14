// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package session

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestState(t *testing.T) {
	Convey("Given a new State", t, func() {
		state := NewState(1)
		So(state.Status, ShouldEqual, Disconnected)

		Convey("When connecting", func() {
			state.Apply(Event{Type: EventConnecting})
			So(state.Status, ShouldEqual, Connecting)

			Convey("The state should only be connected after the acknowledgement", func() {
				res := state.Apply(Event{Type: EventConnectAck})
				So(res.Effect, ShouldEqual, EffectConnected)
				So(state.Status, ShouldEqual, Connected)
			})

			Convey("A failed connection should leave it disconnected", func() {
				res := state.Apply(Event{Type: EventConnectFailed})
				So(res.Effect, ShouldEqual, EffectNone)
				So(state.Status, ShouldEqual, Disconnected)
			})
		})

		Convey("When connected", func() {
			state.Apply(Event{Type: EventConnecting})
			state.Apply(Event{Type: EventConnectAck})

			Convey("A second acknowledgement should have no effect", func() {
				So(state.Apply(Event{Type: EventConnectAck}).Effect, ShouldEqual, EffectNone)
			})

			Convey("Losing the connection should disconnect immediately and ask for a reconnect", func() {
				res := state.Apply(Event{Type: EventConnectionLost, Err: errors.New("EOF")})
				So(state.Status, ShouldEqual, Disconnected)
				So(res.Effect, ShouldEqual, EffectReconnect)

				Convey("Losing it again should not ask for another reconnect", func() {
					So(state.Apply(Event{Type: EventConnectionLost}).Effect, ShouldEqual, EffectNone)
				})
			})

			Convey("A clean disconnect should not ask for a reconnect", func() {
				res := state.Apply(Event{Type: EventDisconnect})
				So(state.Status, ShouldEqual, Disconnected)
				So(res.Effect, ShouldEqual, EffectNone)
			})

			Convey("When a QoS 1 publish is sent", func() {
				p := &PendingPublish{DeviceID: "weather-station", Topic: "/devices/weather-station/attach", QoS: 1}
				state.Apply(Event{Type: EventPublishSent, MessageID: 7, Publish: p})
				So(state.PendingPublishes, ShouldContainKey, uint16(7))
				So(state.InUse(7), ShouldBeTrue)

				Convey("The acknowledgement should remove it", func() {
					res := state.Apply(Event{Type: EventPublishAck, MessageID: 7})
					So(res.Effect, ShouldEqual, EffectCompleted)
					So(res.Publish, ShouldEqual, p)
					So(state.PendingPublishes, ShouldBeEmpty)
				})

				Convey("An acknowledgement for an unknown message should be reported", func() {
					res := state.Apply(Event{Type: EventPublishAck, MessageID: 8})
					So(res.Effect, ShouldEqual, EffectUnknownAck)
					So(state.PendingPublishes, ShouldContainKey, uint16(7))
				})

				Convey("A timeout should republish once, then drop", func() {
					res := state.Apply(Event{Type: EventAckTimeout, MessageID: 7})
					So(res.Effect, ShouldEqual, EffectRepublish)
					So(res.Publish.Retries, ShouldEqual, 1)
					So(state.PendingPublishes, ShouldBeEmpty)

					state.Apply(Event{Type: EventPublishSent, MessageID: 9, Publish: res.Publish})
					res = state.Apply(Event{Type: EventAckTimeout, MessageID: 9})
					So(res.Effect, ShouldEqual, EffectDropped)
					So(state.PendingPublishes, ShouldBeEmpty)
				})

				Convey("A failed publish should be handled like a timeout", func() {
					res := state.Apply(Event{Type: EventPublishAck, MessageID: 7, Err: errors.New("failed")})
					So(res.Effect, ShouldEqual, EffectRepublish)
				})

				Convey("When the connection is lost", func() {
					state.Apply(Event{Type: EventConnectionLost})

					Convey("A timeout should keep the publish", func() {
						res := state.Apply(Event{Type: EventAckTimeout, MessageID: 7})
						So(res.Effect, ShouldEqual, EffectNone)
						So(state.PendingPublishes, ShouldContainKey, uint16(7))
					})

					Convey("The publish should be resent after reconnecting", func() {
						state.Apply(Event{Type: EventConnecting})
						res := state.Apply(Event{Type: EventConnectAck})
						So(res.Effect, ShouldEqual, EffectConnected)
						So(res.Resend, ShouldHaveLength, 1)
						So(res.Resend[0], ShouldEqual, p)
						So(state.PendingPublishes, ShouldBeEmpty)
					})
				})
			})

			Convey("When a QoS 0 publish is sent", func() {
				p := &PendingPublish{Topic: "/devices/flood-control-gw/events/weather_station"}
				state.Apply(Event{Type: EventPublishSent, MessageID: 3, Publish: p})

				Convey("A timeout should never republish", func() {
					res := state.Apply(Event{Type: EventAckTimeout, MessageID: 3})
					So(res.Effect, ShouldEqual, EffectDropped)
				})

				Convey("Losing the connection should forget it", func() {
					state.Apply(Event{Type: EventConnectionLost})
					So(state.PendingPublishes, ShouldBeEmpty)
				})
			})

			Convey("When subscribing", func() {
				state.Apply(Event{Type: EventSubscribeSent, MessageID: 4, Topic: "/devices/flood-control-gw/config", QoS: 1})
				So(state.PendingSubscribes, ShouldHaveLength, 1)

				Convey("Messages on the topic should already be delivered", func() {
					res := state.Apply(Event{Type: EventMessage, Topic: "/devices/flood-control-gw/config"})
					So(res.Effect, ShouldEqual, EffectDeliver)
				})

				Convey("The acknowledgement should make it a subscription", func() {
					res := state.Apply(Event{Type: EventSubscribeAck, MessageID: 4})
					So(res.Effect, ShouldEqual, EffectCompleted)
					So(state.PendingSubscribes, ShouldBeEmpty)
					So(state.Subscriptions, ShouldContainKey, "/devices/flood-control-gw/config")

					Convey("Messages on other topics should be unsolicited", func() {
						res := state.Apply(Event{Type: EventMessage, Topic: "/devices/other/config"})
						So(res.Effect, ShouldEqual, EffectUnsolicited)
					})

					Convey("The subscription should be restored after a reconnect", func() {
						state.Apply(Event{Type: EventConnectionLost})
						res := state.Apply(Event{Type: EventConnectAck})
						So(res.Restore, ShouldResemble, map[string]byte{"/devices/flood-control-gw/config": 1})
					})
				})

				Convey("A refused subscription should be dropped", func() {
					res := state.Apply(Event{Type: EventSubscribeAck, MessageID: 4, Err: errors.New("refused")})
					So(res.Effect, ShouldEqual, EffectDropped)
					So(state.Subscriptions, ShouldBeEmpty)
				})

				Convey("A lost connection should keep the topic for the next connection", func() {
					state.Apply(Event{Type: EventConnectionLost})
					So(state.PendingSubscribes, ShouldBeEmpty)
					So(state.Subscriptions, ShouldContainKey, "/devices/flood-control-gw/config")
				})
			})
		})

		Convey("An acknowledgement timeout for an unknown message should be reported", func() {
			So(state.Apply(Event{Type: EventAckTimeout, MessageID: 1}).Effect, ShouldEqual, EffectUnknownAck)
		})
	})
}

func TestStatusString(t *testing.T) {
	Convey("Statuses should have names", t, func() {
		So(Disconnected.String(), ShouldEqual, "disconnected")
		So(Connecting.String(), ShouldEqual, "connecting")
		So(Connected.String(), ShouldEqual, "connected")
		So(EventConnectAck.String(), ShouldEqual, "ConnectAck")
		So(EventType(99).String(), ShouldEqual, "Unknown")
	})
}
