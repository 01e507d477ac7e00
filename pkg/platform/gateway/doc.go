// Package gateway receives platform events over a websocket connection.
//
// Each frame is a JSON envelope {"id", "t", "d"}. Frames without a type or
// an object body are dropped. The connection is re-established with
// exponential backoff until the context passed to Run is cancelled, and the
// "gateway" health component tracks whether a session is open.
package gateway
