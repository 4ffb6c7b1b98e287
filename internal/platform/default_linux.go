//go:build linux

package platform

import "fleetkeeper/pkg/logging"

// NewDefaultAdapter returns this OS's preferred Adapter: on Linux, the
// systemd-aware one so a Type=notify unit tracks the agent's real
// lifecycle instead of guessing from fork timing.
func NewDefaultAdapter(log *logging.Logger) Adapter {
	return NewSystemdAdapter(log)
}
