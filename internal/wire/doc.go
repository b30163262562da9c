// Package wire carries broker sessions over a byte stream.
//
// Frames are newline-delimited JSON objects. A client opens with
//
//	{"id":1,"op":"open","name":"alice"}
//
// and then issues declare_exchange, declare_queue, bind, unbind, publish,
// consume, cancel, ping and disconnect requests. Every request gets exactly
// one "reply" frame with the same id; a failed reply carries a stable error
// code (see broker.CodeOf). Deliveries arrive as unsolicited "deliver" frames
// with id 0, in queue order, interleaved with replies.
//
// Any read or write failure on the stream force-disconnects the session.
package wire
