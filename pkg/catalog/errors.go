package catalog

import "errors"

var (
	// ErrHoldingNotFound is returned when no holding matches the query.
	ErrHoldingNotFound = errors.New("holding not found")

	// ErrFileNotFound is returned when no file matches the query.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileExists is returned when a path is already catalogued in the
	// target holding.
	ErrFileExists = errors.New("file already exists in holding")

	// ErrLocationExists is returned when a file already has a location of
	// the requested storage type.
	ErrLocationExists = errors.New("location already exists for file")

	// ErrLocationNotFound is returned when a file has no location of the
	// requested storage type.
	ErrLocationNotFound = errors.New("location not found for file")

	// ErrNoLocation marks a file that cannot be retrieved from any tier.
	ErrNoLocation = errors.New("file has no location")

	// ErrPermission is returned when the caller may not act on a holding.
	ErrPermission = errors.New("permission denied")

	// ErrQuotaExceeded is returned when a put would take a group over its
	// quota.
	ErrQuotaExceeded = errors.New("group quota exceeded")

	// ErrNothingToArchive is returned by the archive-next scan when every
	// file already has a tape location.
	ErrNothingToArchive = errors.New("no holdings with unarchived files")

	// ErrAggregationNotFound is returned when no aggregation is recorded
	// under the queried tarname.
	ErrAggregationNotFound = errors.New("aggregation not found")
)
