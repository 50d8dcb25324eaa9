package rt

import (
	"errors"
	"testing"
)

func stub(t *testing.T, lockErr, niceErr error) (locked *bool, nice *int) {
	t.Helper()
	prevLock, prevNice := lockMemoryFn, setNiceFn
	t.Cleanup(func() { lockMemoryFn, setNiceFn = prevLock, prevNice })
	locked, nice = new(bool), new(int)
	lockMemoryFn = func() error { *locked = true; return lockErr }
	setNiceFn = func(n int) error { *nice = n; return niceErr }
	return locked, nice
}

func TestApply_DisabledDoesNothing(t *testing.T) {
	locked, nice := stub(t, nil, nil)
	if err := Apply(Config{LockMemory: true, Nice: -5}); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if *locked || *nice != 0 {
		t.Fatalf("disabled config touched the process")
	}
}

func TestApply_RunsRequestedSteps(t *testing.T) {
	locked, nice := stub(t, nil, nil)
	if err := Apply(Config{Enable: true, LockMemory: true, Nice: -10}); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !*locked || *nice != -10 {
		t.Fatalf("locked=%v nice=%d", *locked, *nice)
	}
}

func TestApply_JoinsErrors(t *testing.T) {
	lockErr := errors.New("EPERM lock")
	niceErr := errors.New("EACCES nice")
	stub(t, lockErr, niceErr)
	err := Apply(Config{Enable: true, LockMemory: true, Nice: -1})
	if !errors.Is(err, lockErr) || !errors.Is(err, niceErr) {
		t.Fatalf("err=%v want both failures", err)
	}
}
