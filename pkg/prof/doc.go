// Package prof exposes the daemon's profiling hooks.
//
// [Register] mounts the net/http/pprof handlers on an existing mux, so the
// profiles are served next to /metrics:
//
//	mux := http.NewServeMux()
//	prof.Register(mux)
//
// CPU profiles stream to a file between [StartCPU] and [StopCPU]. Other
// profiles are snapshots written with [Write]:
//
//	prof.Write(prof.ProfileHeap, "heap.prof")
package prof
