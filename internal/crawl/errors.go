package crawl

import "errors"

var (
	// ErrNoBatch signals an empty queue slot. It is not a failure.
	ErrNoBatch = errors.New("no batch available")
	// ErrSlotOccupied is returned when a fixed slot already holds a batch.
	ErrSlotOccupied = errors.New("slot occupied")
	// ErrNotFound is returned by record stores for absent records.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidPart flags upload parts with unusable metadata.
	ErrInvalidPart = errors.New("invalid upload part")
)
