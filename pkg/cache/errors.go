package cache

import "errors"

var (
	// ErrCacheMiss indicates the requested key was not found in a tier
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotStorable indicates the response may not be stored under the caching rules
	ErrNotStorable = errors.New("not stored: response is not cacheable")

	// ErrTooLarge indicates the response exceeds the single-entry size ceiling
	ErrTooLarge = errors.New("not stored: exceeds size ceiling")

	// ErrCorruptRecord indicates a persisted record failed its integrity checks
	ErrCorruptRecord = errors.New("corrupt cache record")

	// ErrInvalidURL indicates a request URL that cannot be used as a cache key
	ErrInvalidURL = errors.New("invalid cache url")

	// ErrInvalidConfig indicates an unusable cache configuration
	ErrInvalidConfig = errors.New("invalid cache config")
)
