// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import "expvar"

// peerMetrics record peer activity counters.
type peerMetrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	callIn        expvar.Int // number of inbound requests received
	callInErr     expvar.Int // number of inbound requests reporting an error
	callOut       expvar.Int // number of outbound requests initiated
	callOutErr    expvar.Int // number of outbound requests reporting an error
	callVoid      expvar.Int // number of outbound requests sent without reply
	cancelIn      expvar.Int // number of cancellations received
	callActive    expvar.Int // inbound
	callPending   expvar.Int // outbound
	peersOnline   expvar.Int
	contexts      expvar.Int // attached contexts, all netrons
	stubs         expvar.Int // live definitions, all netrons

	emap *expvar.Map
}

var rootMetrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	for _, e := range []struct {
		name  string
		v     *expvar.Int
		gauge bool
	}{
		{"packets_received", &pm.packetRecv, false},
		{"packets_sent", &pm.packetSent, false},
		{"packets_dropped", &pm.packetDropped, false},
		{"calls_in", &pm.callIn, false},
		{"calls_in_failed", &pm.callInErr, false},
		{"calls_out", &pm.callOut, false},
		{"calls_out_failed", &pm.callOutErr, false},
		{"calls_void", &pm.callVoid, false},
		{"cancels_in", &pm.cancelIn, false},
		{"calls_active", &pm.callActive, true},
		{"calls_pending", &pm.callPending, true},
		{"peers_online", &pm.peersOnline, true},
		{"contexts_attached", &pm.contexts, true},
		{"definitions_live", &pm.stubs, true},
	} {
		pm.emap.Set(e.name, e.v)
		if e.gauge {
			Gauges = append(Gauges, e.name)
		}
	}
	return pm
}

// Metrics returns the metrics map shared by all netrons in the process. It is
// safe for the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return rootMetrics.emap }

// Gauges lists the names of the metrics in Metrics that are gauges rather
// than counters. The rest are counters.
var Gauges []string
