// ABOUTME: Package coordinator runs the two-phase collaborative analysis exchange
// ABOUTME: Requesters track pending exchanges; responders answer from history

// Package coordinator correlates analysis requests with their responses.
//
// An anomaly on the sensor side becomes an analysis_request sent to the
// peer and a Pending exchange keyed by the request's message id. The peer
// answers from its historical window, optionally with a reasoner, and the
// requester turns a matching response into a Decision. Exchanges move from
// Pending to either Answered or TimedOut and never back.
package coordinator
