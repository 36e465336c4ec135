// Package engine provides the core types and interfaces for the polemarch execution engine.
//
// # Overview
//
// Polemarch runs configuration-management playbooks and modules against inventories
// inside per-project workspaces. The engine is organised around three flows:
//
//  1. Sync - bring a workspace up to date from its repository (Synchronizer)
//  2. Execute - run a command in a synchronized workspace, streaming output (executor)
//  3. Control - cancel running executions, page and clear their output (CancellationChannel)
//
// # Core Domain Types
//
//   - Project: a workspace and the repository it is synchronized from
//   - Workspace: the on-disk directory plus its last sync status
//   - SyncRecord: the persisted outcome of the last sync attempt
//   - JobDefinition: an immutable template for an execution
//   - ExecutionRecord: one execution and its lifecycle status
//   - HistoryLine: one line of captured output, numbered from 1 without gaps
//   - ScheduleEntry: a periodic trigger for a job
//
// # Execution Lifecycle
//
//	DELAY -> RUN -> OK | ERROR | STOPPED | TIMEOUT | OFFLINE
//	DELAY -> ERROR (launch failure)
//
// Terminal statuses are never revisited. The first finalization wins.
//
// # Error Classification
//
// All engine errors are EngineError values with a class used for retry decisions:
//
//   - transient: network failures during sync (retryable)
//   - throttled: rate limiting (retryable with backoff)
//   - conflict: busy workspace or job key (retryable later)
//   - permanent: content errors, launch failures, policy denials
//
// Use IsRetryable, IsConflict and CodeOf to inspect errors:
//
//	if _, err := syncer.Sync(ctx, "web"); err != nil {
//	    if engine.IsRetryable(err) {
//	        // try again later
//	    }
//	}
package engine
