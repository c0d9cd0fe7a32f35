// Package audio stitches downloaded audiobook files into one track and
// prepares that track for speech recognition with ffmpeg.
package audio
