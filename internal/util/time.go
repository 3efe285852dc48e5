package util

import "time"

// RFC3339Now returns the current UTC time formatted as RFC3339.
func RFC3339Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// HumanTime returns the current local time in a readable form for messages.
func HumanTime() string {
	return time.Now().Format("02-01-2006 15:04:05")
}

// Seconds formats a duration as fractional seconds for logs and payloads.
func Seconds(d time.Duration) float64 {
	return d.Round(time.Millisecond).Seconds()
}
