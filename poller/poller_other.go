//go:build !linux && !darwin

package poller

// New 在不支持的平台返回 ErrPlatformNotSupported
func New() (Poller, error) {
	return nil, ErrPlatformNotSupported
}
