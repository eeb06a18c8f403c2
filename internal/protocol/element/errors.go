package element

import "errors"

var (
	ErrNilElement      = errors.New("element: nil element")
	ErrEmptyName       = errors.New("element: empty element name")
	ErrUnexpectedClose = errors.New("element: unexpected end element")
	ErrNoElement       = errors.New("element: no element in input")
)
