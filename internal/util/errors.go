// Package util contains helpers shared by diskcached packages.
package util

// Unwrap strips stackerr and pkg/errors wrappers, so returned error can be
// compared with sentinel errors.
func Unwrap(err error) error {
	for err != nil {
		switch e := err.(type) {
		case interface{ Underlying() error }:
			err = e.Underlying()
		case interface{ Cause() error }:
			err = e.Cause()
		default:
			return err
		}
	}
	return nil
}
