package crypto11

import (
	"github.com/effective-security/xlog"
)

// call invokes a native operation and logs its outcome
func call(op string, fn func() error) error {
	err := fn()
	rv := Status(err)
	if err != nil {
		logger.KV(xlog.DEBUG, "call", op, "rv", ErrorName(rv), "err", err.Error())
	} else {
		logger.KV(xlog.TRACE, "call", op, "rv", ErrorName(rv))
	}
	return err
}
