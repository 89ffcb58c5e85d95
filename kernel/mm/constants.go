package mm

// The simulated machine uses the amd64 page size regardless of the host.
const (
	// PageShift is log2(PageSize); shifting a frame number left by
	// PageShift yields its physical address.
	PageShift = uintptr(12)

	// PageSize is the size of a page and of a frame in bytes.
	PageSize = uintptr(1 << PageShift)
)
