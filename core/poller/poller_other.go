//go:build !linux && !darwin && !freebsd

package poller

// NewPoller reports ErrUnsupported; use the std transport instead
func NewPoller() (Poller, error) {
	return nil, ErrUnsupported
}
