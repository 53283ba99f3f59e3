// Package engine drives one collection job through the collector workflow.
//
// Operations are user-driven and run one at a time. Each blocking backend
// call must succeed before the stage it gates advances; best-effort calls
// are dispatched and reported as warnings. Asynchronous results (routes,
// poll ticks, directory reloads) are applied only while the state that
// requested them is still live. Display layers read Snapshot or Subscribe
// and never mutate the stage themselves.
package engine
