//go:build !linux

package posture

import "errors"

var errMetricsUnsupported = errors.New("not supported on this platform")

func collectMemory(*SystemMetrics) error { return errMetricsUnsupported }

func collectDisk(*SystemMetrics) error { return errMetricsUnsupported }
