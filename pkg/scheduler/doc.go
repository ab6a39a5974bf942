/*
Package scheduler implements the placement algorithms behind the batch
compute service.

Two concerns live here:

  - Host selection: given a snapshot of per-node idle cores, pick the N
    nodes a job's (N, c) request lands on. Sub-algorithms: first-fit
    (lexicographic first eligible), best-fit (minimise leftover cores per
    chosen node), and round-robin (rotating cursor across passes).

  - Reservation timeline: the piecewise-constant free-node availability
    function conservative backfilling plans against. Each waiting job embeds
    a [start, end) x nodes reservation; EarliestStart finds the first date a
    new request fits without displacing any existing reservation.

Everything here is pure computation over value snapshots. The batch service
actor owns the real counters and mutates them based on what these functions
return, so all shared-state mutation stays inside the owning actor.
*/
package scheduler
