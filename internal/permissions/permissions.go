package permissions

import "errors"

// ErrCaptureAccessDenied means the OS has not granted audio input access,
// which loopback drivers such as BlackHole are subject to.
var ErrCaptureAccessDenied = errors.New("audio capture access not granted")
