// ABOUTME: Package reasoner wraps a local language model served by Ollama
// ABOUTME: Builds the anomaly, analysis and chat prompts the agents send to it

// Package reasoner talks to an Ollama server for free-text analysis.
//
// A Reasoner is always optional. Callers treat ErrUnavailable and any other
// error as "no reasoning text" and fall back to deterministic answers.
package reasoner
