package pkg

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{
		ErrStall, ErrNAK, ErrNoDevice, ErrInvalidEndpoint, ErrInvalidRequest,
		ErrSetupPacketTooShort, ErrDescriptorTooShort, ErrDescriptorTypeMismatch,
		ErrShortTransfer, ErrBabble, ErrMisalignedTable, ErrNotAttached,
		ErrBufferTooLarge, ErrBufferTooSmall, ErrNotConfigured, ErrInvalidParameter,
	}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Errorf("errors.Is(%v, %v) = true, want false", a, b)
			}
		}
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("ep0 IN: %w", ErrStall)
	if !errors.Is(err, ErrStall) {
		t.Errorf("errors.Is(%v, ErrStall) = false, want true", err)
	}
	if errors.Is(err, ErrNAK) {
		t.Errorf("errors.Is(%v, ErrNAK) = true, want false", err)
	}
}
