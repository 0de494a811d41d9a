//go:build !linux

package ring

func setAffinity(cpu int) error { return nil }
