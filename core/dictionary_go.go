//go:build !tinygo

package core

// ledBlink is a no-op on regular Go (no LED hardware available)
func ledBlink(count int) {}
