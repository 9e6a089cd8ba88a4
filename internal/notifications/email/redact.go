package email

import "strings"

// RedactEmail keeps the first character of the local part and the domain:
// "john@wiki.test" becomes "j***@wiki.test". Strings without "@" are fully
// masked.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***"
	}
	if local == "" {
		return "***@" + domain
	}
	return local[:1] + "***@" + domain
}
