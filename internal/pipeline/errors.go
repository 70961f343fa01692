package pipeline

import (
	"errors"
	"fmt"
)

// ErrPublishFailed is joined into the run error when at least one report
// page could not be updated.
var ErrPublishFailed = errors.New("one or more report pages failed")

// PublishError is the failure of a single report page. Other pages are still
// processed.
type PublishError struct {
	Report string
	Page   string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("report %s (%s): %v", e.Report, e.Page, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
