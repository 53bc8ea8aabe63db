// Package guard switches the process into test mode when imported, so
// binaries exercised from tests skip connecting to real infrastructure.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("TRADEFIN_TEST_MODE") == "" {
			_ = os.Setenv("TRADEFIN_TEST_MODE", "1")
		}
	})
}
