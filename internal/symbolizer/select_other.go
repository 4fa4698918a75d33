//go:build !linux

package symbolizer

func newPlatformLocator(Options) (*moduleLocator, error) {
	return nil, errProcUnavailable
}
