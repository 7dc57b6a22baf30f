// Package a2a defines the agent-to-agent wire protocol shared by the sensor
// and control agents.
//
// # Envelope
//
// Every message travels inside an Envelope:
//
//	{ "type": "sensor_observation", "from": "jetson-site-a", "to": "macmini-control",
//	  "message_id": "<uuid>", "timestamp": "<RFC3339>",
//	  "payload": { "temperature": 24.5, "humidity": 65.2,
//	               "eco2": 450, "tvoc": 120, "aqi": 1, "location": "Site A" } }
//
// The payload shape is fixed per Kind. Parse looks the kind up first and
// fails with ErrUnknownMessageKind when it is not one of the eight known
// kinds. It then checks required payload fields and fails with a
// *PayloadError (which matches ErrMalformedPayload) naming the first
// missing or mistyped field.
//
// # Optional Fields
//
// Absent and null are treated the same on input. Optional fields are
// omitted on output when empty; required fields are never emitted as null.
// Unknown fields are ignored so that newer peers can add fields without
// breaking older ones.
//
// # Issuing Envelopes
//
// An Issuer stamps envelopes for one agent id. It assigns a fresh uuid to
// every envelope and guarantees that timestamps never go backwards within
// the issuing process.
package a2a
