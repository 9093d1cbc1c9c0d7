// Package ident builds the cache and lock key strings shared by every other
// package that needs to address a document without constructing the string
// inline (spec.md §3, §4.A).
package ident

import (
	"strconv"
	"strings"

	"github.com/tsingest/bucketworker/internal/config"
)

const sep = "__"

// Bucket returns the cache key for a data bucket: type__collection__identifier__start__end.
func Bucket(dataType, identifier string, start, end int64) string {
	return join(dataType, config.CollectionData, identifier, strconv.FormatInt(start, 10), strconv.FormatInt(end, 10))
}

// BucketLock returns the distributed lock key for a data bucket.
func BucketLock(dataType, identifier string, start, end int64) string {
	return config.LockKeyPrefix + Bucket(dataType, identifier, start, end)
}

// EventBucket returns the cache key for an event bucket: type__collection__start__end.
func EventBucket(dataType string, start, end int64) string {
	return join(dataType, config.CollectionEvent, strconv.FormatInt(start, 10), strconv.FormatInt(end, 10))
}

// EventBucketLock returns the distributed lock key for an event bucket.
func EventBucketLock(dataType string, start, end int64) string {
	return config.LockKeyPrefix + EventBucket(dataType, start, end)
}

// Measurement returns the cache key for a measurement record: type__collection__identifier.
func Measurement(dataType, identifier string) string {
	return join(dataType, config.CollectionMeasurements, identifier)
}

// MeasurementLock returns the distributed lock key for a measurement record.
func MeasurementLock(dataType, identifier string) string {
	return config.LockKeyPrefix + Measurement(dataType, identifier)
}

// ValueType returns the cache key for a single value-type metadata entry:
// type__metadata__value_type.
func ValueType(dataType, valueType string) string {
	return join(dataType, config.CollectionMetadata, valueType)
}

// MetadataLock returns the distributed lock key for a data type's metadata
// document (shared by every value-type reconciliation for that type).
func MetadataLock(dataType string) string {
	return config.LockKeyPrefix + join(dataType, config.CollectionMetadata)
}

func join(parts ...string) string {
	return strings.Join(parts, sep)
}
