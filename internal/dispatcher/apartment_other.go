//go:build !windows

package dispatcher

func enterApartment() (func(), error) {
	return func() {}, nil
}
