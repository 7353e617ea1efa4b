package engine

import "time"

// nowFn is swapped out in tests that need a deterministic clock.
var nowFn = time.Now
