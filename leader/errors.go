package leader

import "errors"

// ErrSteppedDown is returned by an RPC handler that stepped down
// mid-processing, per spec.md §4.1's RPC contract: the caller owns
// re-dispatching the original request to whatever role transition
// installed.
var ErrSteppedDown = errors.New("leader: stepped down")
