// Package engine implements the distributed task state machine: the five
// task variants, the tree composition rules, receiver-side task intake,
// update propagation and the two-phase reservation protocol for
// synchronized multi-node start.
//
// Tasks form a tree persisted in the store; there is no in-memory task
// graph. Every unit of work re-loads the task it operates on, mutates it,
// and commits before anything is announced on the wire.
package engine
