//go:build !linux

package rt

func lockMemory() error { return errNotSupport }

func setNice(int) error { return errNotSupport }
