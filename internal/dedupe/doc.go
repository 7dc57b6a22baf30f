// Package dedupe suppresses inbound envelopes whose message_id was already
// processed within a sliding window, so a sender retrying after a lost ack
// does not trigger the same side effects twice.
package dedupe
