package domain

import "fmt"

// NetworkError reports an unreachable service or a non-success HTTP status.
// Stages absorb it: the affected city is degraded or skipped.
type NetworkError struct {
	Service    string
	URL        string
	StatusCode int // 0 when the request never got a response
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: status %d", e.Service, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: %v", e.Service, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DataShapeError reports a payload missing an expected field or not parseable.
type DataShapeError struct {
	Field string
	Err   error
}

func (e *DataShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected payload shape (%s): %v", e.Field, e.Err)
	}
	return fmt.Sprintf("unexpected payload shape: missing %q", e.Field)
}

func (e *DataShapeError) Unwrap() error { return e.Err }

// CoercionError reports a value that cannot be converted to the column type.
// It aborts the run.
type CoercionError struct {
	UID    int64
	Column string
	Value  any
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("uid %d: cannot coerce %s value %v (%T) to float", e.UID, e.Column, e.Value, e.Value)
}

// SchemaSyncError reports a failure enumerating, dropping or creating tables.
// It aborts the run.
type SchemaSyncError struct {
	Op    string
	Table string
	Err   error
}

func (e *SchemaSyncError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("schema sync: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("schema sync: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *SchemaSyncError) Unwrap() error { return e.Err }
