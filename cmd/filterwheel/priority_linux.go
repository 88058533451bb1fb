//go:build linux

package main

import "golang.org/x/sys/unix"

// setPriority sets the process nice value; negative values need privileges.
func setPriority(nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, nice)
}
