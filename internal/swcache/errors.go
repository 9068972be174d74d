package swcache

import "github.com/cockroachdb/errors"

var (
	ErrPrecacheItemFailed    = errors.New("precache item failed")
	ErrNetworkFetchFailed    = errors.New("network fetch failed")
	ErrCacheStoreUnavailable = errors.New("cache store unavailable")
	ErrInvalidState          = errors.New("invalid lifecycle state")
	ErrUnknownControlMessage = errors.New("unknown control message")

	errEmptyURL = errors.New("request without URL")
)

// storeErr wraps a backend failure and marks it as ErrCacheStoreUnavailable.
func storeErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrCacheStoreUnavailable)
}

func networkErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrNetworkFetchFailed)
}
