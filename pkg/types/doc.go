/*
Package types defines the simulator's core data model.

This package contains the fundamental entities every other package
schedules, stores, or transfers: files and their locations, actions and
their execution history, compound jobs and their DAG bookkeeping, and the
parallel-efficiency models that turn a declared work quantity into a
simulated duration. It is the foundation the compute, storage, executor,
and job-manager packages build on.

# Core Types

File identity and placement:

  - File: immutable identity plus declared byte size
  - Location: (storage service, mount point, path) triple for one slot
  - StorageEndpoint: the capability a Location needs from its service

Work:

  - Action: atomic unit of simulated work, a closed sum of kinds
  - ActionState: NOT_READY -> READY -> STARTED -> terminal state machine
  - ExecutionAttempt: one frame of an action's execution history
  - ParallelModel: Amdahl or constant-efficiency multi-core timing

Submission:

  - CompoundJob: DAG of actions, the unit of submission to a compute
    service; owns its actions and the per-state action sets
  - JobState: lifecycle of a job at its target service

# Ownership

Parent/child links between actions, and between jobs, are relationships,
not ownership: the job owns its actions and all state-transition
bookkeeping; cross-references are non-owning handles into the job's action
table. State transitions go through Action.SetState so the owning job's
state->actions partition stays exact.
*/
package types
