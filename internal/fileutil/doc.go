// Package fileutil holds small filesystem helpers shared by the download,
// cache, and import paths.
package fileutil
