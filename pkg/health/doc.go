/*
Package health probes whether a peer broker is reachable and answering,
the liveness check behind discovery's probe-before-trust step (§4.3.5):
a freshly discovered candidate is marked PROBING until one successful
Probe promotes it to HEALTHY, and a failed Probe during the periodic
discovery sweep demotes an already-known peer to UNHEALTHY.
*/
package health
