// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import "expvar"

// managerMetrics record packet and call activity counters.
type managerMetrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetExpired expvar.Int // received after their own deadline
	handlerErr    expvar.Int // handler errors and recovered panics
	callPending   expvar.Int
	callDone      expvar.Int // resolved with a reply
	callFailed    expvar.Int // failed by an exception or connection loss
	callTimeout   expvar.Int // failed by the sweep or an expired reply
	connActive    expvar.Int

	emap *expvar.Map
}

var rootMetrics = newManagerMetrics()

func newManagerMetrics() *managerMetrics {
	mm := &managerMetrics{emap: new(expvar.Map)}
	mm.emap.Set("packets_received", &mm.packetRecv)
	mm.emap.Set("packets_sent", &mm.packetSent)
	mm.emap.Set("packets_expired", &mm.packetExpired)
	mm.emap.Set("handler_errors", &mm.handlerErr)
	mm.emap.Set("calls_pending", &mm.callPending)
	mm.emap.Set("calls_completed", &mm.callDone)
	mm.emap.Set("calls_failed", &mm.callFailed)
	mm.emap.Set("calls_timed_out", &mm.callTimeout)
	mm.emap.Set("conns_active", &mm.connActive)
	return mm
}
