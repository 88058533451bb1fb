//go:build !linux

package main

import "github.com/cjeanneret/filterwheel/internal/debug"

func setPriority(nice int) error {
	debug.Verbose("Scheduling priority %d ignored on this platform", nice)
	return nil
}
