package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("TILLPOINT_TEST_MODE") == "" {
			_ = os.Setenv("TILLPOINT_TEST_MODE", "1")
		}
	})
}
