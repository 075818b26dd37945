package sim

import "github.com/gomlx/gocu/driver"

func init() {
	driver.Register(New(DefaultConfig()))
}
