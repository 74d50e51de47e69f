// Package protocol defines the chatrelay wire format: a discriminated
// payload union encoded as JSON and framed with a 4-byte big-endian length
// prefix over a reliable, ordered byte stream.
//
// Exactly one payload travels per frame. Framing keeps payload parsing
// immune to partial reads and interleaving; a malformed payload inside a
// well-formed frame is dropped without desynchronizing the stream.
package protocol
