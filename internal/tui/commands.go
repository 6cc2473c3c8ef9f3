package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vitaminmoo/pmlog/internal/api"
	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/firmware"
	"github.com/vitaminmoo/pmlog/internal/logstream"
	"github.com/vitaminmoo/pmlog/internal/ota"
	"github.com/vitaminmoo/pmlog/internal/store"
)

// --- Async commands for BLE operations ---

// connectCmd scans for the logger and opens a client. Status texts are
// delivered on statusCh as the connection progresses.
func connectCmd(cfg *config.Config, statusCh chan<- string) tea.Cmd {
	return func() tea.Msg {
		profile, err := ble.ProfileFromConfig(cfg.Device)
		if err != nil {
			return connectMsg{err: err}
		}
		session, err := ble.Connect(context.Background(), ble.ConnectOptions{
			NameFilter:  cfg.Device.NameFilter,
			ScanTimeout: cfg.Device.ScanTimeout,
			Profile:     profile,
			OnStatus: func(status string) {
				select {
				case statusCh <- status:
				default:
				}
			},
		})
		if err != nil {
			return connectMsg{err: err}
		}
		client := api.New(session, cfg)
		if err := client.Connect(); err != nil {
			session.Disconnect()
			return connectMsg{err: err}
		}
		return connectMsg{client: client}
	}
}

// waitForStatus blocks until the next connection status text.
func waitForStatus(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		return connStatusMsg(<-ch)
	}
}

func disconnectCmd(client *api.Client) tea.Cmd {
	return func() tea.Msg {
		return disconnectedMsg{err: client.Disconnect()}
	}
}

// readTelemetryCmd performs one status read.
func readTelemetryCmd(client *api.Client) tea.Cmd {
	return func() tea.Msg {
		rec, err := client.ReadTelemetry()
		return telemetryMsg{record: rec, err: err}
	}
}

// telemetryTickCmd schedules the next status read.
func telemetryTickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return telemetryTickMsg(t)
	})
}

// connectionCheckCmd returns a command that triggers periodic connection health checks.
func connectionCheckCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return connectionCheckMsg(t)
	})
}

// waitForChunk blocks until the next live log chunk.
func waitForChunk(ch <-chan []byte) tea.Cmd {
	return func() tea.Msg {
		return logChunkMsg(<-ch)
	}
}

func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// fetchLogCmd requests the log and archives it when a store is open.
func fetchLogCmd(client *api.Client, st *store.Store) tea.Cmd {
	return func() tea.Msg {
		l, err := client.FetchLog(context.Background())
		if err != nil {
			return logFetchedMsg{err: err}
		}
		msg := logFetchedMsg{log: l}
		if st != nil && !l.Empty() {
			hash, _, err := st.Import(l.Data, store.NewSource("fetch", client.Address(), ""))
			if err != nil {
				config.Debugf("Failed to archive log: %v", err)
			}
			msg.hash = hash
		}
		return msg
	}
}

func sendCommandCmd(client *api.Client, name string) tea.Cmd {
	return func() tea.Msg {
		return commandSentMsg{name: name, err: client.Send(context.Background(), name)}
	}
}

func saveLogCmd(l logstream.Log, path string) tea.Cmd {
	return func() tea.Msg {
		if err := os.WriteFile(path, l.Data, 0644); err != nil {
			return logSavedMsg{err: err}
		}
		return logSavedMsg{path: path}
	}
}

func loadArchiveCmd(st *store.Store) tea.Cmd {
	if st == nil {
		return nil
	}
	return func() tea.Msg {
		entries, err := st.List()
		return archiveMsg{entries: entries, err: err}
	}
}

// --- Firmware commands ---

func refreshCachedFirmwareCmd(cache *firmware.Cache) tea.Cmd {
	if cache == nil {
		return nil
	}
	return func() tea.Msg {
		cached, err := cache.List()
		if err != nil {
			config.Debugf("Failed to list firmware cache: %v", err)
		}
		return cachedFirmwareMsg{cached: cached}
	}
}

// importFirmwareFileCmd copies path into the cache, when there is one,
// and inspects the image.
func importFirmwareFileCmd(cache *firmware.Cache, path string) tea.Cmd {
	return func() tea.Msg {
		if cache != nil {
			cachePath, _, _, err := cache.ImportFile(path)
			if err != nil {
				return firmwareImportedMsg{err: err}
			}
			path = cachePath
		}
		img, err := firmware.Load(path)
		if err != nil {
			return firmwareImportedMsg{err: err}
		}
		if len(img.Data) == 0 {
			return firmwareImportedMsg{err: fmt.Errorf("%s is empty", path)}
		}
		msg := firmwareImportedMsg{
			name:   strings.TrimPrefix(img.Name, "fw_"),
			path:   path,
			size:   int64(len(img.Data)),
			sha256: img.SHA256,
		}
		if img.ESP32 != nil {
			msg.chip = img.ESP32.ChipName()
		}
		return msg
	}
}

// flashFirmwareCmd runs the OTA transfer. Progress goes to progressCh.
func flashFirmwareCmd(client *api.Client, path string, progressCh chan ota.Progress) tea.Cmd {
	drain(progressCh)
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return otaDoneMsg{err: fmt.Errorf("failed to read file: %w", err)}
		}
		err = client.UpdateFirmware(context.Background(), data, func(p ota.Progress) {
			select {
			case progressCh <- p:
			default:
			}
		})
		return otaDoneMsg{err: err}
	}
}

// waitForOTA blocks until the next transfer progress event.
func waitForOTA(ch <-chan ota.Progress) tea.Cmd {
	return func() tea.Msg {
		return otaProgressMsg(<-ch)
	}
}
