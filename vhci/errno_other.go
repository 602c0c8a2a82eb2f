//go:build !linux

package vhci

func errnoPortBusy(err error) bool        { return false }
func errnoPortAlreadyFree(err error) bool { return false }
