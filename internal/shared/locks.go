package shared

import "fmt"

// SweepLockKey builds redis keys guarding periodic sweeps.
func SweepLockKey(name string) string {
	return fmt.Sprintf("tradefin:sweep:%s", name)
}
