//go:build !linux

package masjeedsync

func processRSSBytes() (uint64, bool) { return 0, false }
