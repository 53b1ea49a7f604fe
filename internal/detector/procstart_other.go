//go:build !linux

package detector

func kernelStart(int) (int64, bool) { return 0, false }
