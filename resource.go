package skiff

// ResourceRequest declares the CPU/GPU/memory demands of a single Task.
// Requests are used for admission (a request no worker class can ever
// satisfy is rejected at submission) and for placement.
type ResourceRequest struct {
	NumCPUs     float64 // fractional CPUs are permitted (e.g. 0.5)
	NumGPUs     float64
	MemoryBytes int64 // upper bound on memory, or 0 for unbounded
}

// Valid returns false if any demand is negative
func (r ResourceRequest) Valid() bool {
	return r.NumCPUs >= 0 && r.NumGPUs >= 0 && r.MemoryBytes >= 0
}

// FitsIn returns true iff this request can run within the given worker class
func (r ResourceRequest) FitsIn(w WorkerClass) bool {
	if r.NumCPUs > w.NumCPUs || r.NumGPUs > w.NumGPUs {
		return false
	}
	return w.MemoryBytes == 0 || r.MemoryBytes <= w.MemoryBytes
}

// WorkerClass describes one homogeneous class of workers a backend can run tasks on
type WorkerClass struct {
	NumCPUs     float64
	NumGPUs     float64
	MemoryBytes int64 // 0 means unadvertised
	Count       int
}

// ResourceSummary is a backend's advertisement of currently-available capacity
type ResourceSummary struct {
	AvailableCPUs   float64
	AvailableGPUs   float64
	AvailableMemory int64 // 0 means unadvertised
	Classes         []WorkerClass
}

// Satisfiable returns true iff at least one worker class could ever run the request
func (s ResourceSummary) Satisfiable(r ResourceRequest) bool {
	for _, c := range s.Classes {
		if r.FitsIn(c) {
			return true
		}
	}
	return false
}

// Admits returns true iff the request fits within currently-available capacity
func (s ResourceSummary) Admits(r ResourceRequest) bool {
	if r.NumCPUs > s.AvailableCPUs || r.NumGPUs > s.AvailableGPUs {
		return false
	}
	return s.AvailableMemory == 0 || r.MemoryBytes <= s.AvailableMemory
}
