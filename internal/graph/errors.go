package graph

import (
	"errors"
	"fmt"
)

// ErrDataAccess matches every failure reported by a Store.
var ErrDataAccess = errors.New("category store: data access failed")

// DataAccessError describes a failed store operation.
type DataAccessError struct {
	Op  string
	Err error
}

// AccessError wraps err for operation op. A nil err yields nil.
func AccessError(op string, err error) error {
	if err == nil {
		return nil
	}
	var dae *DataAccessError
	if errors.As(err, &dae) {
		return err
	}
	return &DataAccessError{Op: op, Err: err}
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("category store %s: %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDataAccess) hold for any DataAccessError.
func (e *DataAccessError) Is(target error) bool {
	return target == ErrDataAccess
}
