// Package protocol owns the wire contract for the changeable-properties protocol.
//
// Ownership boundary:
// - frame shape and message type tags
// - newline-delimited JSON codec
// - per message type field requirements
// - reply status vocabulary
//
// Every frame is one flat JSON object terminated by '\n' and always carries
// "mtype". Frames are independently decodable, so a malformed line never
// poisons the frames that follow it.
package protocol
