package vhostuser

// Negotiate computes the effective feature set of a session: the
// intersection of the bits one side offered and the bits the other side
// is prepared to use. It applies to device features and protocol features
// alike, and is symmetric in its arguments, so both sides converge on the
// same effective set regardless of which advertisement was seen first.
//
// A feature bit may be exercised only if it is present in the negotiated
// set; using an absent bit is a protocol error, never silently tolerated.
func Negotiate(offered, wanted uint64) uint64 {
	return offered & wanted
}
