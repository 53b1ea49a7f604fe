//go:build linux

package detector

import (
	"os"
	"testing"
	"time"
)

func TestStartTicks_Self(t *testing.T) {
	ticks, err := startTicks(os.Getpid())
	if err != nil || ticks <= 0 {
		t.Fatalf("startTicks(self) = %d, %v", ticks, err)
	}
	if _, err := startTicks(-5); err == nil {
		t.Fatalf("expected error for missing pid")
	}
	start, ok := kernelStart(os.Getpid())
	if !ok {
		t.Fatalf("kernelStart(self) failed")
	}
	if now := time.Now().Unix(); start > now+1 || start < now-24*3600*365 {
		t.Fatalf("implausible start %d (now %d)", start, now)
	}
}
