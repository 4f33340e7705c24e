package mvdb

import (
	"errors"
	"io"
)

// ErrBucketNotFound is returned by storageTx.DeleteBucket when the bucket doesn't exist.
var ErrBucketNotFound = errors.New("bucket not found")

// storage is the durable key-value backend under Store (Bolt or in-memory).
// Every write transaction is atomic: either all of its puts become durable or none do.
type storage interface {
	BeginTx(writable bool) (storageTx, error)
	Close() error
}

type storageTx interface {
	// Bucket returns nil if the bucket doesn't exist.
	Bucket(name string) storageBucket

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name string) (storageBucket, error)

	DeleteBucket(name string) error

	// BucketNames returns the names of all root buckets in key order.
	BucketNames() []string

	// WriteTo streams a consistent image of the whole storage as of this transaction.
	WriteTo(w io.Writer) (int64, error)

	Commit() error

	// Rollback aborts the transaction. It is safe to call multiple times.
	Rollback() error
}

// storageBucket is a sorted key-value collection. Slices returned by Get and
// cursors are only valid until the transaction ends.
type storageBucket interface {
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	Cursor() storageCursor
	Stats() bucketStats
}

type bucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s bucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

type storageCursor interface {
	First() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	Next() (key, value []byte)
}
