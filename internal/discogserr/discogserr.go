// Package discogserr defines the sentinel error kinds named in §7's error taxonomy,
// grounded on internal/materializer/download.go's small sentinel error type pattern.
package discogserr

import (
	"errors"
	"fmt"
)

// Sentinel errors usable with errors.Is. Each corresponds to a §7 taxonomy kind.
var (
	// ErrCatalogParse: the snapshot catalog listing could not be parsed (§4.1).
	ErrCatalogParse = errors.New("discogsography: catalog parse error")

	// ErrChecksumMismatch: a downloaded file's sha256 does not match the manifest (§4.2 step 4).
	ErrChecksumMismatch = errors.New("discogsography: checksum mismatch")

	// ErrManifestUnavailable: the checksum manifest could not be fetched or parsed (§4.2 step 2).
	ErrManifestUnavailable = errors.New("discogsography: checksum manifest unavailable")

	// ErrParentTagMismatch: an XML record's parent element does not match the expected
	// data type (§4.4.1 item 1).
	ErrParentTagMismatch = errors.New("discogsography: parent tag mismatch")

	// ErrRecordQueueTimeout: the bounded record queue rejected an enqueue after the hard
	// 30s timeout (§4.4.1 item 1, §9 open question — configurable policy).
	ErrRecordQueueTimeout = errors.New("discogsography: record queue enqueue timeout")

	// ErrPoisonMessage: a message's delivery count exceeded the quorum queue's
	// delivery-limit and was routed to the dead-letter queue (§7).
	ErrPoisonMessage = errors.New("discogsography: poison message routed to DLQ")

	// ErrConfiguration: required configuration is missing or invalid (§7, startup-only).
	ErrConfiguration = errors.New("discogsography: configuration error")
)

// ChecksumMismatch wraps ErrChecksumMismatch with the filename and the two hashes,
// so callers can both errors.Is(err, ErrChecksumMismatch) and read the detail.
func ChecksumMismatch(filename, expected, actual string) error {
	return fmt.Errorf("%w: %s expected=%s actual=%s", ErrChecksumMismatch, filename, expected, actual)
}

// ParentTagMismatch wraps ErrParentTagMismatch with the expected and actual tag names.
func ParentTagMismatch(expected, actual string) error {
	return fmt.Errorf("%w: expected=%s actual=%s", ErrParentTagMismatch, expected, actual)
}
