// Package email renders lifecycle notices and hands them to a mail
// transport. It implements scheduler.Mailer.
package email

import (
	"errors"

	"inactivity/internal/types"
)

// IsBlocklistError reports whether the transport refused the recipient
// outright. Such failures will not succeed on a later run either.
func IsBlocklistError(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeEmailBlocked
}
