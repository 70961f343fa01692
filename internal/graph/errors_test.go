package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAccessError_Nil(t *testing.T) {
	if AccessError("op", nil) != nil {
		t.Error("nil error must stay nil")
	}
}

func TestAccessError_Matching(t *testing.T) {
	err := AccessError("subcategories", context.DeadlineExceeded)
	if !errors.Is(err, ErrDataAccess) {
		t.Error("expected ErrDataAccess match")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected the cause to be reachable")
	}

	wrapped := fmt.Errorf("build closure: %w", err)
	var dae *DataAccessError
	if !errors.As(wrapped, &dae) || dae.Op != "subcategories" {
		t.Errorf("errors.As failed: %v", wrapped)
	}
}

func TestAccessError_NoDoubleWrap(t *testing.T) {
	inner := AccessError("hidden", errors.New("boom"))
	outer := AccessError("other", inner)
	if outer != inner {
		t.Error("an existing DataAccessError must be returned unchanged")
	}
	if outer.Error() != "category store hidden: boom" {
		t.Errorf("Error() = %q", outer.Error())
	}
}
