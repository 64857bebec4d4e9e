package email

import "strings"

// RedactEmail masks an address for logs: "john@gmail.com" becomes
// "j***@gmail.com". A value without "@" is masked entirely.
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

// RedactEmails masks every address in list.
func RedactEmails(list []string) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = RedactEmail(e)
	}
	return out
}
