package kraken

import (
	"errors"
	"testing"

	"venue-connector/internal/core"
)

func TestWrapAPIErrorClassifies(t *testing.T) {
	cases := []struct {
		msg  string
		is   []error
		isnt []error
	}{
		{"EService:Unavailable", []error{core.ErrTransient}, []error{core.ErrOrderRejected}},
		{"EAPI:Invalid nonce", []error{core.ErrTransient}, nil},
		{"EOrder:Insufficient funds", []error{core.ErrInsufficientBalance, core.ErrOrderRejected}, []error{core.ErrTransient}},
		{"EOrder:Unknown order", []error{core.ErrOrderNotFound}, []error{core.ErrOrderRejected}},
		{"EOrder:Post only order", []error{core.ErrOrderRejected}, nil},
		{"EGeneral:Invalid arguments:volume", []error{core.ErrOrderRejected}, nil},
		{"EAPI:Invalid key", nil, []error{core.ErrTransient, core.ErrOrderRejected}},
	}
	for _, tc := range cases {
		err := wrapAPIError([]string{tc.msg})
		if _, ok := AsAPIError(err); !ok {
			t.Fatalf("%s: AsAPIError() = false", tc.msg)
		}
		for _, want := range tc.is {
			if !errors.Is(err, want) {
				t.Fatalf("%s: errors.Is(%v) = false", tc.msg, want)
			}
		}
		for _, unwanted := range tc.isnt {
			if errors.Is(err, unwanted) {
				t.Fatalf("%s: errors.Is(%v) = true", tc.msg, unwanted)
			}
		}
	}
}
