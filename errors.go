package cdb

import "errors"

var (
	// ErrEntryNotFound is returned by the convenience Reader.Get when
	// no record matches the given key.
	ErrEntryNotFound = errors.New("cdb: entry not found")

	// ErrProtocol marks a structural validation failure: an offset,
	// count, or length read from the file is inconsistent with the
	// file's own size. Reached only on corrupt or adversarial input;
	// a well-formed file built by Writer never trips it.
	ErrProtocol = errors.New("cdb: protocol error")

	// ErrExists is reserved for callers that want to treat a PutMode
	// "already exists" signal as a hard failure; the core itself
	// returns that signal as a bool (see Writer docs), not this error.
	ErrExists = errors.New("cdb: key already exists")

	// ErrTooLarge marks a record or file offset that would not fit
	// in the format's 32-bit fields.
	ErrTooLarge = errors.New("cdb: exceeds 32-bit format limit")

	// ErrInvalidArgument marks a caller error: an unknown PutMode, or
	// a Put on a Writer that has already finished. A lookup key whose
	// length already rules out any match is reported as not found,
	// not as this error.
	ErrInvalidArgument = errors.New("cdb: invalid argument")
)
