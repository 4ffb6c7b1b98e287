//go:build !linux && !windows

package platform

import "fleetkeeper/pkg/logging"

// NewDefaultAdapter returns this OS's preferred Adapter: the plain POSIX
// one, with no service-manager integration.
func NewDefaultAdapter(log *logging.Logger) Adapter {
	return NewPOSIXAdapter(log)
}
