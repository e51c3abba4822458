// Package hub routes traffic between gateway connections and the virtual
// sub-devices they carry.
//
// The Hub keeps one connection per configured gateway. UpdateGateways
// reconciles that set against configuration: new gateways are dialled,
// removed ones are closed, unchanged ones are left alone. Inbound events
// are delivered to the Handler registered for the event's sid; events for
// unknown sids are dropped. SendWrite forwards a write to the gateway that
// owns a sid, learned from the events it reports.
package hub
