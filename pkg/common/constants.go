package common

// Resource caps, tunable but defaulted exactly per the original engine's
// constants.
const (
	// NThreads is the number of parallel sub-block fetch workers per
	// byte-source read miss.
	NThreads = 4
	// ThreadCacheSize is each worker's fixed scratch size.
	ThreadCacheSize = 256 * 1024
	// BlockSize is the cache granularity: NThreads * ThreadCacheSize.
	BlockSize = NThreads * ThreadCacheSize
	// RetryTimes is the retry budget for an empty first fill on open, and
	// for an empty sub-block fetch on read.
	RetryTimes = 10
	// HandleCacheMax is the per-pool cap on idle TIFF-equivalent handles.
	HandleCacheMax = 32
	// KeyFileHardMaxSize bounds how much of a vendor key/INI file the
	// property-extraction collaborator will read into memory.
	KeyFileHardMaxSize = 100 * 1024 * 1024
)

// Predefined property keys, exact literals per spec.md §6.
const (
	PropVendor          = "openremoteslide.vendor"
	PropComment         = "openremoteslide.comment"
	PropQuickhash1      = "openremoteslide.quickhash-1"
	PropBackgroundColor = "openremoteslide.background-color"
	PropObjectivePower  = "openremoteslide.objective-power"
	PropMPPX            = "openremoteslide.mpp-x"
	PropMPPY            = "openremoteslide.mpp-y"
	PropBoundsX         = "openremoteslide.bounds-x"
	PropBoundsY         = "openremoteslide.bounds-y"
	PropBoundsWidth     = "openremoteslide.bounds-width"
	PropBoundsHeight    = "openremoteslide.bounds-height"
)
