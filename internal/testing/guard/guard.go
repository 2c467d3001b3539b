// Package guard defaults PERMITDESK_TEST_MODE for internal test binaries
// without overriding an explicit value.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("PERMITDESK_TEST_MODE") == "" {
			_ = os.Setenv("PERMITDESK_TEST_MODE", "1")
		}
	})
}
