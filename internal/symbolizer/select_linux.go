//go:build linux

package symbolizer

func newPlatformLocator(opts Options) (*moduleLocator, error) {
	maps, err := NewProcMaps(NewSelfMapsReader())
	if err != nil {
		return nil, err
	}
	objects := NewObjectCache(NewELFLoader(opts.DebugDir), opts.Metrics)
	return newModuleLocator(maps, objects, LoadExecPaths(), opts.Metrics), nil
}
