package mvdb

import "sync"

// rowBytesPool holds scratch buffers for encoding a transaction's rows at
// commit. The store copies written data, so a buffer can be reused as soon
// as Apply returns.
var rowBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 65536)
	},
}

var arrayOfBytesPool = &sync.Pool{
	New: func() any {
		return make([][]byte, 0, 1024)
	},
}

func releaseRowBytes(b []byte) {
	rowBytesPool.Put(b[:0])
}

func releaseArrayOfBytes(a [][]byte) {
	clear(a)
	arrayOfBytesPool.Put(a[:0])
}
