package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/pmlog/internal/api"
	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/export"
	"github.com/vitaminmoo/pmlog/internal/firmware"
	"github.com/vitaminmoo/pmlog/internal/logstream"
	"github.com/vitaminmoo/pmlog/internal/ota"
	"github.com/vitaminmoo/pmlog/internal/protocol"
	"github.com/vitaminmoo/pmlog/internal/store"
)

// View represents different screens in the TUI.
type View int

const (
	ViewMain View = iota
	ViewLogs
	ViewArchive
	ViewFirmware
	ViewFirmwareSelect
)

// MenuItem represents a menu option.
type MenuItem struct {
	Title       string
	Description string
	View        View
}

// Deps are the long-lived resources the TUI works with. Store, Cache
// and Sinks may be nil.
type Deps struct {
	Config *config.Config
	Store  *store.Store
	Cache  *firmware.Cache
	Sinks  *export.Fanout
}

// Model is the main Bubbletea model for the TUI.
type Model struct {
	deps Deps

	// State
	view          View
	cursor        int
	cursorHistory map[View]int
	menuItems     []MenuItem
	width         int
	height        int

	// Connection
	client     *api.Client
	connStatus string
	connecting bool
	connected  bool
	pollFails  int
	statusCh   chan string
	errorMsg   string
	statusMsg  string

	// Telemetry
	record    protocol.Record
	hasRecord bool
	polling   bool
	socGauge  progress.Model
	loadGauge progress.Model

	// Logs
	logText  []byte
	fetching bool
	lastLog  *logstream.Log
	chunkCh  chan []byte
	logView  viewport.Model
	archive  []store.IndexEntry

	// Firmware
	cachedFirmware   []firmware.CacheEntry
	selectedFwName   string
	selectedFwPath   string
	selectedFwSize   int64
	selectedFwSHA256 string
	selectedFwChip   string
	otaCh            chan ota.Progress
	ota              ProgressState

	filepicker       filepicker.Model
	filePickerActive bool

	// Components
	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
}

// --- Custom messages for async operations ---

// connStatusMsg carries a connection status text.
type connStatusMsg string

// connectMsg signals connection attempt result.
type connectMsg struct {
	client *api.Client
	err    error
}

// disconnectedMsg signals the session ended.
type disconnectedMsg struct {
	err error
}

// telemetryTickMsg triggers a status read.
type telemetryTickMsg time.Time

// telemetryMsg delivers one status read.
type telemetryMsg struct {
	record protocol.Record
	err    error
}

// connectionCheckMsg triggers a periodic connection health check.
type connectionCheckMsg time.Time

// logChunkMsg is a live log chunk.
type logChunkMsg []byte

// logFetchedMsg signals the log transfer finished.
type logFetchedMsg struct {
	log  logstream.Log
	hash string
	err  error
}

// commandSentMsg reports a fire-and-forget command.
type commandSentMsg struct {
	name string
	err  error
}

// logSavedMsg reports a log written to disk.
type logSavedMsg struct {
	path string
	err  error
}

// archiveMsg delivers the archived log list.
type archiveMsg struct {
	entries []store.IndexEntry
	err     error
}

// cachedFirmwareMsg delivers cached firmware list.
type cachedFirmwareMsg struct {
	cached []firmware.CacheEntry
}

// firmwareImportedMsg signals a file was imported to cache.
type firmwareImportedMsg struct {
	name   string
	path   string
	size   int64
	sha256 string
	chip   string
	err    error
}

// otaProgressMsg is one engine progress event.
type otaProgressMsg ota.Progress

// otaDoneMsg signals the transfer returned.
type otaDoneMsg struct {
	err error
}

// NewModel creates a new TUI model.
func NewModel(deps Deps) Model {
	if deps.Config == nil {
		deps.Config = config.Default()
	}

	h := help.New()
	h.ShowAll = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	m := Model{
		deps:          deps,
		view:          ViewMain,
		connStatus:    ble.StatusOffline,
		cursorHistory: make(map[View]int),
		statusCh:      make(chan string, 16),
		chunkCh:       make(chan []byte, 64),
		otaCh:         make(chan ota.Progress, 64),
		socGauge:      newGauge(),
		loadGauge:     newGauge(),
		logView:       viewport.New(80, 16),
		ota:           NewProgressState(),
		keys:          DefaultKeyMap(),
		help:          h,
		spinner:       s,
		styles:        DefaultStyles(),
	}

	m.menuItems = []MenuItem{
		{
			Title:       "Logs",
			Description: "Fetch, save and clear the battery log",
			View:        ViewLogs,
		},
		{
			Title:       "Archive",
			Description: "Browse fetched logs",
			View:        ViewArchive,
		},
		{
			Title:       "Firmware",
			Description: "Update the logger over the air",
			View:        ViewFirmware,
		},
	}

	fp := filepicker.New()
	fp.AllowedTypes = []string{".bin"}
	fp.DirAllowed = true
	fp.FileAllowed = true
	fp.ShowHidden = false
	fp.ShowSize = true
	fp.ShowPermissions = false
	fp.SetHeight(15)
	if cwd, err := os.Getwd(); err == nil {
		fp.CurrentDirectory = cwd
	} else {
		fp.CurrentDirectory = "."
	}
	m.filepicker = fp

	m.setLogContent()
	return m
}

func newGauge() progress.Model {
	return progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(30),
	)
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(m.deps.Config, m.statusCh),
		waitForStatus(m.statusCh),
		loadArchiveCmd(m.deps.Store),
		refreshCachedFirmwareCmd(m.deps.Cache),
		m.spinner.Tick,
	)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.filePickerActive {
		return m.updateFilePicker(msg)
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.logView.Width = max(msg.Width-6, 20)
		m.logView.Height = max(msg.Height-12, 5)
		m.setLogContent()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case connStatusMsg:
		m.connStatus = string(msg)
		if m.connStatus != ble.StatusConnected && m.connStatus != ble.StatusOffline && m.connStatus != ble.StatusError {
			m.connecting = true
		}
		cmd := waitForStatus(m.statusCh)
		if m.connStatus == ble.StatusOffline && m.connected {
			next, dc := m.handleDisconnect(nil)
			return next, tea.Batch(cmd, dc)
		}
		return m, cmd

	case connectMsg:
		m.connecting = false
		if msg.err != nil {
			m.connStatus = ble.StatusError
			m.errorMsg = fmt.Sprintf("Connection failed: %v", msg.err)
			return m, nil
		}
		m.client = msg.client
		m.connected = true
		m.connStatus = ble.StatusConnected
		m.errorMsg = ""
		m.statusMsg = "Connected to " + formatMAC(m.client.Address())
		m.pollFails = 0
		m.polling = true
		m.attachClient()
		return m, tea.Batch(
			readTelemetryCmd(m.client),
			connectionCheckCmd(),
			m.spinner.Tick,
		)

	case disconnectedMsg:
		return m.handleDisconnect(msg.err)

	case telemetryMsg:
		m.polling = false
		if msg.err != nil {
			m.pollFails++
			config.Debugf("Status read failed: %v", msg.err)
		} else {
			m.record = msg.record
			m.hasRecord = true
		}
		if m.connected {
			return m, telemetryTickCmd(m.deps.Config.Poll.Interval)
		}
		return m, nil

	case telemetryTickMsg:
		if m.connected && m.client != nil && !m.polling {
			m.polling = true
			return m, readTelemetryCmd(m.client)
		}
		return m, nil

	case connectionCheckMsg:
		if !m.connected || m.client == nil {
			return m, nil
		}
		if !m.client.Connected() {
			return m.handleDisconnect(nil)
		}
		return m, connectionCheckCmd()

	case logChunkMsg:
		if m.fetching {
			m.logText = append(m.logText, msg...)
			m.setLogContent()
		}
		return m, waitForChunk(m.chunkCh)

	case logFetchedMsg:
		m.fetching = false
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Log fetch failed: %v", msg.err)
			m.setLogContent()
			return m, nil
		}
		l := msg.log
		m.lastLog = &l
		m.logText = l.Data
		m.errorMsg = ""
		m.statusMsg = fmt.Sprintf("Received %s", humanizeBytesShort(int64(len(l.Data))))
		if msg.hash != "" {
			m.statusMsg += fmt.Sprintf(", archived as %s", store.ShortHash(msg.hash))
		}
		m.setLogContent()
		return m, loadArchiveCmd(m.deps.Store)

	case commandSentMsg:
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Failed to send command: %v", msg.err)
			return m, nil
		}
		m.statusMsg = fmt.Sprintf("Sent %s", msg.name)
		return m, nil

	case logSavedMsg:
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Save failed: %v", msg.err)
			return m, nil
		}
		m.statusMsg = "Saved " + msg.path
		return m, nil

	case archiveMsg:
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Archive error: %v", msg.err)
			return m, nil
		}
		m.archive = msg.entries
		return m, nil

	case cachedFirmwareMsg:
		m.cachedFirmware = msg.cached
		return m, nil

	case firmwareImportedMsg:
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Failed to import file: %v", msg.err)
			return m, nil
		}
		m.selectedFwName = msg.name
		m.selectedFwPath = msg.path
		m.selectedFwSize = msg.size
		m.selectedFwSHA256 = msg.sha256
		m.selectedFwChip = msg.chip
		m.errorMsg = ""
		m.statusMsg = fmt.Sprintf("Imported %s to cache", msg.name)
		return m, refreshCachedFirmwareCmd(m.deps.Cache)

	case otaProgressMsg:
		// Events queued behind otaDoneMsg are stale.
		if !m.ota.IsActive() {
			return m, nil
		}
		m.ota.Update(ota.Progress(msg))
		if m.ota.IsActive() {
			return m, waitForOTA(m.otaCh)
		}
		return m, nil

	case otaDoneMsg:
		if msg.err != nil {
			m.ota.Cancel("Update failed: " + msg.err.Error())
			m.errorMsg = msg.err.Error()
			return m, nil
		}
		m.ota.Update(ota.Progress{Phase: ota.Complete})
		m.statusMsg = "Firmware sent, the logger will reboot"
		m.selectedFwName = ""
		m.selectedFwPath = ""
		return m, nil
	}
	return m, nil
}

func (m Model) updateFilePicker(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		if msg.String() == "esc" || key.Matches(msg, m.keys.Quit) {
			m.filePickerActive = false
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.filepicker, cmd = m.filepicker.Update(msg)

	if didSelect, path := m.filepicker.DidSelectFile(msg); didSelect {
		m.filePickerActive = false
		return m, importFirmwareFileCmd(m.deps.Cache, path)
	}
	if didSelect, _ := m.filepicker.DidSelectDisabledFile(msg); didSelect {
		m.filePickerActive = false
		m.errorMsg = "Invalid file type selected (must be .bin)"
		return m, nil
	}
	return m, cmd
}

// attachClient wires the live log display and telemetry export to a new
// client.
func (m *Model) attachClient() {
	ch := m.chunkCh
	if logs := m.client.Logs(); logs != nil {
		logs.OnChunk(func(chunk []byte) {
			select {
			case ch <- append([]byte(nil), chunk...):
			default:
			}
		})
	}
	if m.deps.Sinks != nil {
		ctx, cancel := context.WithCancel(export.WithDevice(context.Background(), m.client.Address()))
		done := m.client.Done()
		go func() {
			<-done
			cancel()
		}()
		m.client.OnTelemetry(m.deps.Sinks.Handler(ctx))
	}
}

// handleDisconnect resets connection state. The last telemetry and log
// stay on screen.
func (m Model) handleDisconnect(err error) (tea.Model, tea.Cmd) {
	m.connected = false
	m.connecting = false
	m.polling = false
	m.client = nil
	m.pollFails = 0
	m.connStatus = ble.StatusOffline
	if m.fetching {
		m.fetching = false
		m.setLogContent()
	}
	if m.ota.IsActive() {
		m.ota.Cancel("Device disconnected during update")
	}
	if err != nil {
		m.errorMsg = fmt.Sprintf("Disconnect failed: %v", err)
	} else {
		m.errorMsg = ""
	}
	m.statusMsg = fmt.Sprintf("Press '%s' to reconnect", m.keys.Connect.Help().Key)
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.view == ViewMain {
			return m, tea.Quit
		}
		m.view = ViewMain
		m.cursor = m.cursorHistory[ViewMain]
		return m, nil

	case key.Matches(msg, m.keys.Back):
		return m.goBack()

	case key.Matches(msg, m.keys.Up):
		if m.view == ViewLogs {
			var cmd tea.Cmd
			m.logView, cmd = m.logView.Update(msg)
			return m, cmd
		}
		m.cursor--
		if m.cursor < 0 {
			m.cursor = m.maxCursor()
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.view == ViewLogs {
			var cmd tea.Cmd
			m.logView, cmd = m.logView.Update(msg)
			return m, cmd
		}
		m.cursor++
		if m.cursor > m.maxCursor() {
			m.cursor = 0
		}
		return m, nil

	case key.Matches(msg, m.keys.Select):
		return m.handleSelect()

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		m.statusMsg = "Refreshed"
		cmds := []tea.Cmd{loadArchiveCmd(m.deps.Store), refreshCachedFirmwareCmd(m.deps.Cache)}
		if m.connected && m.client != nil && !m.polling {
			m.polling = true
			cmds = append(cmds, readTelemetryCmd(m.client))
		}
		return m, tea.Batch(cmds...)

	case key.Matches(msg, m.keys.Connect):
		if m.connected || m.connecting {
			return m, nil
		}
		m.connecting = true
		m.errorMsg = ""
		m.statusMsg = ""
		return m, tea.Batch(connectCmd(m.deps.Config, m.statusCh), m.spinner.Tick)

	case key.Matches(msg, m.keys.Disconnect):
		if !m.connected || m.client == nil {
			return m, nil
		}
		if m.ota.IsActive() {
			m.errorMsg = "Firmware update in progress"
			return m, nil
		}
		return m, disconnectCmd(m.client)

	case key.Matches(msg, m.keys.Fetch):
		return m.startFetch()

	case key.Matches(msg, m.keys.Clear):
		if !m.connected || m.client == nil {
			m.errorMsg = ble.ErrNotConnected.Error()
			return m, nil
		}
		return m, sendCommandCmd(m.client, protocol.CommandClearLogs)

	case key.Matches(msg, m.keys.Save):
		if m.lastLog == nil {
			m.errorMsg = "No log to save"
			return m, nil
		}
		return m, saveLogCmd(*m.lastLog, protocol.LogFileName)
	}

	if m.view == ViewLogs {
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd
	}
	return m, nil
}

// startFetch sends send_log and starts listening for chunks.
func (m Model) startFetch() (tea.Model, tea.Cmd) {
	if !m.connected || m.client == nil {
		m.errorMsg = ble.ErrNotConnected.Error()
		return m, nil
	}
	if m.fetching {
		return m, nil
	}
	drain(m.chunkCh)
	m.fetching = true
	m.logText = nil
	m.errorMsg = ""
	m.statusMsg = ""
	m.view = ViewLogs
	m.setLogContent()
	return m, tea.Batch(
		fetchLogCmd(m.client, m.deps.Store),
		waitForChunk(m.chunkCh),
		m.spinner.Tick,
	)
}

func (m Model) goBack() (tea.Model, tea.Cmd) {
	m.cursorHistory[m.view] = m.cursor

	switch m.view {
	case ViewMain:
		return m, tea.Quit
	case ViewFirmwareSelect:
		m.view = ViewFirmware
	default:
		m.view = ViewMain
	}

	m.cursor = m.cursorHistory[m.view]
	return m, nil
}

func (m Model) handleSelect() (tea.Model, tea.Cmd) {
	switch m.view {
	case ViewMain:
		if m.cursor >= len(m.menuItems) {
			return m, nil
		}
		m.cursorHistory[m.view] = m.cursor
		target := m.menuItems[m.cursor].View
		m.view = target
		m.cursor = m.cursorHistory[target]
		switch target {
		case ViewArchive:
			return m, loadArchiveCmd(m.deps.Store)
		case ViewFirmware:
			return m, refreshCachedFirmwareCmd(m.deps.Cache)
		}

	case ViewFirmware:
		items := m.getFirmwareMenuItems()
		if m.cursor >= len(items) || m.ota.IsActive() {
			return m, nil
		}
		switch items[m.cursor].title {
		case "Select from Cache":
			if len(m.cachedFirmware) == 0 {
				return m, nil
			}
			m.cursorHistory[m.view] = m.cursor
			m.view = ViewFirmwareSelect
			m.cursor = 0
		case "Select from File":
			m.filePickerActive = true
			if cwd, err := os.Getwd(); err == nil {
				m.filepicker.CurrentDirectory = cwd
			}
			return m, m.filepicker.Init()
		case "Flash Firmware":
			if m.selectedFwPath == "" {
				return m, nil
			}
			if !m.connected || m.client == nil {
				m.errorMsg = ble.ErrNotConnected.Error()
				return m, nil
			}
			if !m.client.HasOTA() {
				m.errorMsg = "OTA service not configured or not exposed by the logger"
				return m, nil
			}
			m.ota.Start("Starting update...")
			m.errorMsg = ""
			m.statusMsg = ""
			return m, tea.Batch(
				flashFirmwareCmd(m.client, m.selectedFwPath, m.otaCh),
				waitForOTA(m.otaCh),
				m.spinner.Tick,
			)
		case "Clear Selection":
			m.selectedFwName = ""
			m.selectedFwPath = ""
			m.selectedFwSize = 0
			m.selectedFwSHA256 = ""
			m.selectedFwChip = ""
			m.cursor = min(m.cursor, len(m.getFirmwareMenuItems())-1)
		}

	case ViewFirmwareSelect:
		if m.cursor < len(m.cachedFirmware) {
			selected := m.cachedFirmware[m.cursor]
			m.view = ViewFirmware
			m.cursor = m.cursorHistory[ViewFirmware]
			return m, importFirmwareFileCmd(nil, selected.Path)
		}
	}
	return m, nil
}

func (m Model) maxCursor() int {
	switch m.view {
	case ViewMain:
		return len(m.menuItems) - 1
	case ViewArchive:
		return max(len(m.archive)-1, 0)
	case ViewFirmware:
		return len(m.getFirmwareMenuItems()) - 1
	case ViewFirmwareSelect:
		return max(len(m.cachedFirmware)-1, 0)
	default:
		return 0
	}
}

// logContent is the log display text: the request prompt, the received
// bytes and, once finalized, the end marker.
func (m Model) logContent() string {
	if !m.fetching && m.lastLog == nil {
		return m.styles.Muted.Render(fmt.Sprintf("No log yet. Press '%s' to fetch.", m.keys.Fetch.Help().Key))
	}
	var b strings.Builder
	b.WriteString(logstream.RequestPrompt)
	if m.fetching {
		b.Write(m.logText)
		return b.String()
	}
	if m.lastLog != nil {
		b.WriteString(m.lastLog.Text())
		b.WriteString(m.styles.LogMarker.Render(protocol.LogEndMarker))
	}
	return b.String()
}

func (m *Model) setLogContent() {
	m.logView.SetContent(m.logContent())
	m.logView.GotoBottom()
}
