//go:build !linux && !darwin && !windows

package filter

func NewFilter(identifier string) (Filter, error) {
	return nil, ErrUnsupported
}
