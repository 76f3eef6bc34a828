//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int checkCapturePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestCapturePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}
*/
import "C"

import "fmt"

const (
	PermissionNotDetermined = 0
	PermissionRestricted    = 1
	PermissionDenied        = 2
	PermissionAuthorized    = 3
)

// CheckCapture returns the current audio input permission status
func CheckCapture() int {
	return int(C.checkCapturePermission())
}

// RequestCapture triggers the system permission dialog
func RequestCapture() {
	C.requestCapturePermission()
}

// EnsureCaptureAccess asks for audio input access the first time and
// reports whether it is granted. This is the OS permission only; the user
// still has to accept the capture disclosure for every session.
func EnsureCaptureAccess() error {
	switch status := CheckCapture(); status {
	case PermissionAuthorized:
		return nil
	case PermissionNotDetermined:
		RequestCapture()
		return fmt.Errorf("%w: approve the system prompt and start again", ErrCaptureAccessDenied)
	default:
		return fmt.Errorf("%w: enable it in System Settings → Privacy & Security → Microphone (status %d)", ErrCaptureAccessDenied, status)
	}
}
