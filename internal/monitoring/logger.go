package monitoring

import "log"

// Logf is the package-level diagnostic logger used by the library packages.
// It defaults to log.Printf; tests may mute or capture it via SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf and returns a func restoring the previous logger.
// Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) (restore func()) {
	prev := Logf
	if f == nil {
		Logf = func(string, ...interface{}) {}
	} else {
		Logf = f
	}
	return func() { Logf = prev }
}
