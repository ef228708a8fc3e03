// Package dispatch drives jobs from PENDING to a terminal status. A single
// control loop polls the job store, classifies each pending job by its ID
// prefix, and executes it on the composition or single-run runtime with
// bounded concurrency. The store is the only state shared between jobs.
package dispatch
