package globalconst

// This package centralizes all constants and "magic strings" used throughout the application
// to improve maintainability and reduce errors from typos.

const (
	// =========================================================================
	// Document Fields
	// =========================================================================

	// ID is the field for the document's unique identifier.
	ID = "_id"
	// ReservedPrefix marks keys that user documents may not start with.
	ReservedPrefix = "$"
	// PathSeparator separates the parts of a dotted field path ("a.b.c").
	PathSeparator = "."

	// =========================================================================
	// Serialization Markers
	// =========================================================================

	// DateMarker wraps a date as epoch milliseconds: {"$$date": 1700000000000}.
	DateMarker = "$$date"
	// RegexMarker wraps a regular expression as "/pattern/flags".
	RegexMarker = "$$regex"
	// DeletedMarker, IndexCreatedMarker and IndexRemovedMarker are internal markers
	// tolerated by field-name validation.
	DeletedMarker      = "$$deleted"
	IndexCreatedMarker = "$$indexCreated"
	IndexRemovedMarker = "$$indexRemoved"

	// =========================================================================
	// Query Keywords
	// =========================================================================

	// --- Comparison Operators ---
	OpLessThan           = "$lt"
	OpLessThanOrEqual    = "$lte"
	OpGreaterThan        = "$gt"
	OpGreaterThanOrEqual = "$gte"
	OpIn                 = "$in"
	OpNotIn              = "$nin"
	OpNotEqual           = "$ne"
	OpExists             = "$exists"
	OpRegex              = "$regex"
	OpElemMatch          = "$elemMatch"
	OpSize               = "$size"

	// --- Logical Operators ---
	OpAnd = "$and"
	OpOr  = "$or"
	OpNot = "$not"

	// =========================================================================
	// Collection Events
	// =========================================================================

	EventInsert   = "insert"
	EventInserted = "inserted"
	EventUpdate   = "update"
	EventUpdated  = "updated"
	EventRemove   = "remove"
	EventRemoved  = "removed"
	EventClose    = "close"

	// =========================================================================
	// Persistence Keywords
	// =========================================================================

	// BackupsDirName is the root directory name for snapshot exports.
	BackupsDirName = "backups"
	// CollectionsDirName is the root directory name for collection data.
	CollectionsDirName = "collections"
	// SnapshotFileExtension is the file extension for exported snapshots.
	SnapshotFileExtension = ".mdsnap"
	// TempFileSuffix is the suffix added to temporary files during writes.
	TempFileSuffix = ".tmp"
)
