package engine

import "bytes"

// asyncifyExports are the export names Binaryen's wasm-opt --asyncify adds to
// a transformed module.
var asyncifyExports = [][]byte{
	[]byte("asyncify_start_unwind"),
	[]byte("asyncify_stop_unwind"),
	[]byte("asyncify_start_rewind"),
	[]byte("asyncify_stop_rewind"),
}

// IsAsyncified reports whether wasmBytes already carries the asyncify
// exports, i.e. was pre-processed with wasm-opt --asyncify before reaching
// the engine. EnableAsyncify requires this; modules that aren't asyncified
// fail at instantiation with a missing-export error instead.
func IsAsyncified(wasmBytes []byte) bool {
	for _, exp := range asyncifyExports {
		if bytes.Contains(wasmBytes, exp) {
			return true
		}
	}
	return false
}
