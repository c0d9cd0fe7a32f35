// Package preflight provides readiness checks for the services and
// filesystem paths Lectern depends on.
//
// These checks run in two contexts:
//   - The download stage calls CheckFreeSpace before fetching any audio so a
//     full disk fails fast instead of midway through a multi-gigabyte book.
//   - The daemon status endpoint and the CLI use RunAll to display service
//     health.
package preflight
