/*
Package metrics provides Prometheus instrumentation for the simulation
kernel and the services built on top of it.

Two flavors of metric coexist here. Per-event counters and histograms
(ActionsTotal, SchedulingLatency, FileTransferDuration, ...) are pushed by
the component that produced the observation, the same way the teacher's
scheduler pushes to SchedulingLatency on every scheduling pass. Kernel-wide
gauges (ActorsLive, SimulatedClockSeconds, ...) have no natural push site, so
Collector samples them on a fixed host-time interval.

Handler exposes the registry over HTTP via promhttp for a host process
driving a long simulation run to scrape.
*/
package metrics
