package cyclic

import "errors"

// errCyclicOverrun is reported via OnCyclicError once consecutive
// cycle overruns exceed MaxConsecutiveOverrun.
var errCyclicOverrun = errors.New("cyclic: consecutive cycle overrun limit exceeded")
