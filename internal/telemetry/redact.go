package telemetry

import "strings"

const payPathPrefix = "/p/pay/"

// redactPayPath replaces the token segment of a pay link URL or path.
// Anything that is not a pay link is returned unchanged.
func redactPayPath(u string) string {
	i := strings.Index(u, payPathPrefix)
	if i < 0 {
		return u
	}
	rest := u[i+len(payPathPrefix):]
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	return u[:i+len(payPathPrefix)] + "[redacted]" + rest[end:]
}

// RedactPayPath is redactPayPath for callers outside the package (request logging).
func RedactPayPath(u string) string {
	return redactPayPath(u)
}
