//go:build windows

package dispatcher

import (
	"fmt"

	"github.com/go-ole/go-ole"
)

// enterApartment makes the calling thread a single-threaded COM apartment,
// the threading model XAML panels require.
func enterApartment() (func(), error) {
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		oleErr, ok := err.(*ole.OleError)
		// S_FALSE: already initialized on this thread.
		if !ok || oleErr.Code() != 1 {
			return nil, fmt.Errorf("dispatcher: CoInitializeEx: %w", err)
		}
	}
	return ole.CoUninitialize, nil
}
