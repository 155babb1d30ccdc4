// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrAuthFailure         = errors.New("upstream authentication failed")
	ErrSubscriberClosed    = errors.New("subscriber closed")
	ErrMalformedTick       = errors.New("malformed tick")
	ErrNotConnected        = errors.New("feed not connected")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrTimeout             = errors.New("operation timed out")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrCacheMiss           = errors.New("no cached value")
	ErrStoreClosed         = errors.New("store closed")
)

// FeedError represents an error from the upstream feed.
type FeedError struct {
	Op      string
	Symbol  string
	Message string
	Err     error
}

func (e *FeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feed error [%s] %s: %s: %v", e.Op, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("feed error [%s] %s: %s", e.Op, e.Symbol, e.Message)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// NewFeedError creates a new FeedError.
func NewFeedError(op, symbol, message string, err error) *FeedError {
	return &FeedError{
		Op:      op,
		Symbol:  symbol,
		Message: message,
		Err:     err,
	}
}

// CacheError represents an expiry-cache error for one underlying.
type CacheError struct {
	Underlying string
	Message    string
	Err        error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache error [%s]: %s: %v", e.Underlying, e.Message, e.Err)
	}
	return fmt.Sprintf("cache error [%s]: %s", e.Underlying, e.Message)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// NewCacheError creates a new CacheError.
func NewCacheError(underlying, message string, err error) *CacheError {
	return &CacheError{
		Underlying: underlying,
		Message:    message,
		Err:        err,
	}
}

// SubscriberError represents a delivery error local to one subscriber.
// It never propagates past the hub; the offending subscriber is
// unregistered instead.
type SubscriberError struct {
	SubscriberID string
	Op           string
	Err          error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber error [%s] %s: %v", e.SubscriberID, e.Op, e.Err)
}

func (e *SubscriberError) Unwrap() error {
	return e.Err
}

// NewSubscriberError creates a new SubscriberError.
func NewSubscriberError(subscriberID, op string, err error) *SubscriberError {
	return &SubscriberError{
		SubscriberID: subscriberID,
		Op:           op,
		Err:          err,
	}
}

// TickError represents a malformed tick that was dropped.
type TickError struct {
	Symbol string
	Reason string
}

func (e *TickError) Error() string {
	return fmt.Sprintf("malformed tick [%s]: %s", e.Symbol, e.Reason)
}

func (e *TickError) Unwrap() error {
	return ErrMalformedTick
}

// NewTickError creates a new TickError.
func NewTickError(symbol, reason string) *TickError {
	return &TickError{Symbol: symbol, Reason: reason}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsFatal reports whether the error is unrecoverable for the feed
// pipeline. Only authentication failures stop reconnection attempts.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailure)
}
