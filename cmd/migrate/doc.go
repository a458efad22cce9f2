// Command migrate copies every item of the configured secondary provider, or
// of a running daemon given with --source-url, into the primary provider and
// waits until the copies are replicated.
//
//	migrate --config config.yaml --prefix assets/ --batch-size 20
//	migrate --config config.yaml --estimate
//
// The final progress report is printed to stdout as JSON. The exit status is
// non-zero when any item failed.
package main
