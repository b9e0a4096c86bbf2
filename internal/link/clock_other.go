//go:build !linux

package link

import (
	"time"

	"github.com/juju/errors"
)

func setSystemTime(time.Time) error {
	return errors.NotSupportedf("set system time")
}
