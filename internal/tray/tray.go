package tray

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"slices"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/petems/scribe-tray/internal/app"
	"github.com/petems/scribe-tray/internal/config"
	"github.com/petems/scribe-tray/internal/consent"
)

type UI struct {
	app     *app.App
	cfg     *config.Config
	models  []string
	version string
	commit  string
	log     zerolog.Logger
	ctx     context.Context

	// Menu items
	mStartStop *systray.MenuItem
	mConsent   *systray.MenuItem
	mAgree     *systray.MenuItem
	mDecline   *systray.MenuItem
	mDevices   *systray.MenuItem
	mModels    *systray.MenuItem
	mCopy      *systray.MenuItem

	mu      sync.Mutex
	ready   bool
	pending string
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.updateStatus("idle")
}

func (u *UI) SetAwaitingConsent() {
	u.updateStatus("awaiting_consent")
}

func (u *UI) SetCapturing() {
	u.updateStatus("capturing")
}

func (u *UI) SetError() {
	u.updateStatus("error")
}

func New(cfg *config.Config, models []string, log zerolog.Logger, version, commit string) *UI {
	return &UI{
		cfg:     cfg,
		models:  models,
		version: version,
		commit:  commit,
		log:     log.With().Str("component", "tray").Logger(),
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

func (u *UI) Run(ctx context.Context) error {
	u.ctx = ctx
	systray.Run(u.onReady, u.onExit)
	return nil
}

// Present shows the disclosure in the menu and waits for Agree or Decline.
func (u *UI) Present(ctx context.Context, d consent.Disclosure) (bool, error) {
	u.mu.Lock()
	ready := u.ready
	u.mu.Unlock()
	if !ready {
		return false, fmt.Errorf("tray is not ready")
	}

	u.mConsent.SetTitle(d.Title)
	u.mConsent.SetTooltip(d.Body)
	systray.SetTooltip(d.Body)
	u.mConsent.Show()
	u.mAgree.Show()
	u.mDecline.Show()
	defer func() {
		u.mConsent.Hide()
		u.mAgree.Hide()
		u.mDecline.Hide()
		systray.SetTooltip("Loopback transcription")
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-u.mAgree.ClickedCh:
		return true, nil
	case <-u.mDecline.ClickedCh:
		return false, nil
	}
}

func (u *UI) onReady() {
	u.updateStatus("idle")
	systray.SetTooltip("Loopback transcription")

	// Build menu
	u.mStartStop = systray.AddMenuItem("Start Capture", "Transcribe system audio")
	u.mConsent = systray.AddMenuItem("", "")
	u.mConsent.Disable()
	u.mAgree = systray.AddMenuItem("I Agree", "Start capturing system audio")
	u.mDecline = systray.AddMenuItem("Decline", "Do not capture")
	u.mConsent.Hide()
	u.mAgree.Hide()
	u.mDecline.Hide()
	systray.AddSeparator()

	u.mDevices = systray.AddMenuItem("Output Devices", "Select loopback devices")
	u.buildDeviceMenu()

	if u.cfg.Engine == config.EngineWhisper {
		u.mModels = systray.AddMenuItem("Model", "Select Whisper model")
		u.buildModelMenu()
	}

	systray.AddSeparator()
	u.mCopy = systray.AddMenuItem("Copy Transcript", "Copy the transcript text to the clipboard")
	mFolder := systray.AddMenuItem("Open Transcripts", "Show saved transcripts")
	mAbout := systray.AddMenuItem("About", "About ScribeTray")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	u.mu.Lock()
	u.ready = true
	pending := u.pending
	u.mu.Unlock()
	if pending != "" {
		u.updateStatus(pending)
	}

	// Event loop
	go u.handleEvents(mFolder, mAbout, mQuit)
}

func (u *UI) handleEvents(mFolder, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mStartStop.ClickedCh:
			u.toggleCapture()
		case <-u.mCopy.ClickedCh:
			u.copyTranscript()
		case <-mFolder.ClickedCh:
			u.openPath(u.cfg.Output.Dir)
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) toggleCapture() {
	switch u.app.State() {
	case app.Capturing:
		go func() {
			if err := u.app.StopSession(); err != nil {
				u.log.Error().Err(err).Msg("Failed to stop capture")
			}
		}()
	case app.AwaitingConsent, app.Stopping:
		return
	default:
		// consent is answered from this same menu, so the start must not block the loop
		go func() {
			if err := u.app.StartSession(u.ctx, nil); err != nil {
				u.log.Warn().Err(err).Msg("Capture not started")
			}
		}()
	}
}

func (u *UI) buildDeviceMenu() {
	devices, err := u.app.ListDevices()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list audio devices")
		return
	}
	if len(devices) == 0 {
		item := u.mDevices.AddSubMenuItem("No loopback device found", "")
		item.Disable()
		return
	}

	for _, dev := range devices {
		selected := slices.Contains(u.cfg.Capture.DeviceIDs, dev.ID)
		item := u.mDevices.AddSubMenuItemCheckbox(deviceLabel(dev.Name, dev.SampleRate, dev.Channels), dev.ID, selected)

		go func(deviceID string, menuItem *systray.MenuItem) {
			for range menuItem.ClickedCh {
				next := toggleSelection(u.cfg.Capture.DeviceIDs, deviceID)
				if err := u.app.SetDevices(next); err != nil {
					u.log.Warn().Err(err).Msg("Device selection not changed")
					continue
				}
				if slices.Contains(next, deviceID) {
					menuItem.Check()
				} else {
					menuItem.Uncheck()
				}
				u.log.Info().Strs("devices", next).Msg("Changed capture devices")
			}
		}(dev.ID, item)
	}
}

func (u *UI) buildModelMenu() {
	modelItems := make(map[string]*systray.MenuItem)

	for _, model := range u.models {
		item := u.mModels.AddSubMenuItem(model, "")
		if model == u.cfg.Whisper.Model {
			item.Check()
		}
		modelItems[model] = item

		go func(m string, menuItem *systray.MenuItem) {
			for range menuItem.ClickedCh {
				oldModel := u.cfg.Whisper.Model
				if err := u.app.SetModel(u.ctx, m); err != nil {
					u.log.Error().Err(err).Str("model", m).Msg("Failed to change Whisper model")
					continue
				}
				// Uncheck all other items
				for mdl, itm := range modelItems {
					if mdl != m {
						itm.Uncheck()
					}
				}
				menuItem.Check()
				u.log.Info().Str("from", oldModel).Str("to", m).Msg("Changed Whisper model")
			}
		}(model, item)
	}
}

func (u *UI) copyTranscript() {
	text := u.app.TranscriptText()
	if text == "" {
		u.log.Info().Msg("Transcript is empty, nothing copied")
		return
	}
	if err := clipboard.WriteAll(text); err != nil {
		u.log.Error().Err(err).Msg("Failed to copy transcript")
		return
	}
	u.log.Info().Int("segments", len(u.app.Transcript())).Msg("Transcript copied to clipboard")
}

func (u *UI) openPath(path string) {
	name, args := openCommand(runtime.GOOS, path)
	if err := exec.Command(name, args...).Start(); err != nil {
		u.log.Error().Err(err).Str("path", path).Msg("Failed to open folder")
	}
}

func (u *UI) showAbout() {
	fmt.Printf("ScribeTray %s (%s)\nLocal loopback transcription\n", u.version, u.commit)
}

func (u *UI) onExit() {
	if u.app == nil {
		return
	}
	if err := u.app.StopSession(); err != nil {
		u.log.Error().Err(err).Msg("Failed to stop capture on exit")
	}
}

// updateStatus sets the tray title and the start/stop label. Updates that
// arrive before the menu exists are replayed from onReady.
func (u *UI) updateStatus(status string) {
	u.mu.Lock()
	if !u.ready {
		u.pending = status
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()

	systray.SetTitle(fmt.Sprintf("🎧 %s", emojiForStatus(status)))
	if u.mStartStop != nil {
		u.mStartStop.SetTitle(startStopLabel(status))
	}
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "capturing":
		return "🔴" // Red - capturing
	case "awaiting_consent":
		return "🟡" // Yellow - waiting for consent
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}

func startStopLabel(status string) string {
	switch status {
	case "capturing":
		return "Stop Capture"
	case "awaiting_consent":
		return "Waiting for Consent…"
	default:
		return "Start Capture"
	}
}

func deviceLabel(name string, rate, channels int) string {
	return fmt.Sprintf("%s (%d Hz, %dch)", name, rate, channels)
}

// toggleSelection adds id to ids, or removes it if present. ids is not modified.
func toggleSelection(ids []string, id string) []string {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(slices.Clone(ids), i, i+1)
	}
	return append(slices.Clone(ids), id)
}

func openCommand(goos, path string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{path}
	case "windows":
		return "explorer", []string{path}
	default:
		return "xdg-open", []string{path}
	}
}
