/*
Package log provides structured logging for the simulator, built on zerolog.

Loggers made with WithComponent carry a "component" field identifying which
subsystem emitted a line, the same convention the teacher uses; WithActor,
WithServiceID and WithJobID tag lines with an actor, service or job id
instead. Simulation code additionally stamps a "sim_time" field via
WithSimTime so a log of a long run can be read against the simulated clock.
The logger's own timestamp stays wall-clock time, which is largely
meaningless for a discrete-event simulator that can replay years of
simulated activity in milliseconds.
*/
package log
