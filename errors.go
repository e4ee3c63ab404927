// Copyright 2016 Aleksandr Demakin. All rights reserved.

package prodq

import (
	"code.hybscloud.com/iox"
	"github.com/nxgtw/go-prodq/internal/ring"
	"github.com/pkg/errors"
)

var (
	// ErrUnknownType is returned, if a product type was not registered, when the queue was created.
	ErrUnknownType = errors.New("unknown product type")
	// ErrNotFound is returned, if there is no active product with the given instance key.
	ErrNotFound = errors.New("product not found")
	// ErrNoSpace is returned, if a payload does not fit into the buffer even after reclamation.
	ErrNoSpace = ring.ErrNoSpace
	// ErrTooLarge is returned, if a payload is larger, than the whole buffer.
	ErrTooLarge = ring.ErrTooLarge
	// ErrKeyMismatch is returned, if the segments at the given keys belong to different queues.
	ErrKeyMismatch = errors.New("status and buffer segments do not match")
	// ErrClosed is returned by the operations on a closed queue.
	ErrClosed = errors.New("queue is closed")
	// ErrCorrupt is returned, if the shared state violates queue invariants.
	ErrCorrupt = errors.New("queue is corrupted")
	// ErrExists is returned by Create, if a queue segment with the given key already exists.
	ErrExists = errors.New("queue already exists")
	// ErrOutOfRange is returned, if an integer argument does not fit into its shared representation.
	ErrOutOfRange = errors.New("value is out of range")
	// ErrWouldBlock is returned by AttachNoWait, if the queue has not been created yet.
	ErrWouldBlock = iox.ErrWouldBlock
)

// IsWouldBlock returns true, if err means, that the operation should be retried later.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(errors.Cause(err))
}
