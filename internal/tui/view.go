package tui

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/protocol"
	"github.com/vitaminmoo/pmlog/internal/store"
	"github.com/vitaminmoo/pmlog/internal/telemetry"
)

// View renders the model.
func (m Model) View() string {
	if m.filePickerActive {
		content := m.styles.Title.Render("Select Firmware File") + "\n" +
			m.styles.Muted.Render("Directory: "+m.filepicker.CurrentDirectory) + "\n\n" +
			m.filepicker.View() + "\n\n" +
			m.styles.Muted.Render("↑/↓ navigate • Enter/→ select • ←/h parent dir • ESC cancel")
		return m.styles.App.Render(content)
	}

	var content string
	switch m.view {
	case ViewMain:
		content = m.viewMain()
	case ViewLogs:
		content = m.viewLogs()
	case ViewArchive:
		content = m.viewArchive()
	case ViewFirmware:
		content = m.viewFirmware()
	case ViewFirmwareSelect:
		content = m.viewFirmwareSelect()
	default:
		content = "Unknown view"
	}

	helpView := m.styles.Help.Render(m.help.View(m.keys))
	return m.styles.App.Render(content + "\n" + m.viewMessages() + helpView)
}

// renderTitleBar renders a consistent title bar with connection status.
func (m Model) renderTitleBar(title string) string {
	parts := []string{m.styles.Title.Render(title), m.renderStatus()}
	if m.connected && m.client != nil {
		parts = append(parts, m.styles.Muted.Render(formatMAC(m.client.Address())))
	}
	return strings.Join(parts, "  ")
}

// renderStatus renders the connection indicator.
func (m Model) renderStatus() string {
	switch m.connStatus {
	case ble.StatusConnected:
		return m.styles.StatusOnline.Render("● " + m.connStatus)
	case ble.StatusOffline:
		return m.styles.StatusOffline.Render("○ " + m.connStatus)
	case ble.StatusError:
		return m.styles.StatusOffline.Render("✗ " + m.connStatus)
	}
	return m.spinner.View() + " " + m.styles.StatusPending.Render(m.connStatus)
}

func (m Model) viewMessages() string {
	var b strings.Builder
	if m.errorMsg != "" {
		b.WriteString(m.styles.Error.Render(m.errorMsg))
		b.WriteString("\n")
	}
	if m.statusMsg != "" {
		b.WriteString(m.styles.Success.Render(m.statusMsg))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar("Battery Logger"))
	b.WriteString("\n\n")
	b.WriteString(m.viewDashboard())
	b.WriteString("\n\n")

	for i, item := range m.menuItems {
		desc := item.Description
		if item.View == ViewArchive && m.deps.Store != nil {
			desc = fmt.Sprintf("%s (%d logs)", item.Description, len(m.archive))
		}
		if i == m.cursor {
			b.WriteString(m.styles.MenuItemSelected.Render("> " + item.Title))
		} else {
			b.WriteString(m.styles.MenuItem.Render("  " + item.Title))
		}
		b.WriteString("\n")
		b.WriteString(m.styles.MenuItemDim.Render(desc))
		b.WriteString("\n\n")
	}
	return b.String()
}

// viewDashboard renders the gauges and readings from the latest record.
func (m Model) viewDashboard() string {
	var r protocol.Record
	if m.hasRecord {
		r = m.record
	}
	g := telemetry.GaugesFor(r, m.deps.Config.Poll.PlatformLoadMax)

	var b strings.Builder
	b.WriteString(m.renderGauge("State of charge", m.socGauge.ViewAs(g.SoC), telemetry.FormatSoC(r), g.HasSoC))
	b.WriteString("\n")
	load := telemetry.NotAvailable
	if v, ok := r.PlatformLoad(); ok {
		load = fmt.Sprintf("%.0f", v)
	}
	b.WriteString(m.renderGauge("Platform load", m.loadGauge.ViewAs(g.PlatformLoad), load, g.HasLoad))
	b.WriteString("\n\n")

	b.WriteString(m.renderReading("Voltage", telemetry.FormatVoltage(r), "V"))
	b.WriteString(m.renderReading("Current", telemetry.FormatCurrent(r), "A"))
	cycle := telemetry.NotAvailable
	if s, ok := r.CycleStatus(); ok {
		cycle = s
	}
	b.WriteString(m.styles.GaugeLabel.Render("Cycle") + m.styles.Reading.Render(cycle))

	// Fields the dashboard has no slot for.
	for _, k := range r.Keys() {
		switch k {
		case protocol.FieldSoC, protocol.FieldVoltage, protocol.FieldCurrent,
			protocol.FieldPlatformLoad, protocol.FieldCycleStatus:
			continue
		}
		b.WriteString("\n")
		if v, ok := r.Float(k); ok {
			b.WriteString(m.styles.GaugeLabel.Render(k) + m.styles.Value.Render(fmt.Sprintf("%g", v)))
		} else if s, ok := r.Text(k); ok {
			b.WriteString(m.styles.GaugeLabel.Render(k) + m.styles.Value.Render(s))
		}
	}
	if m.pollFails > 0 {
		b.WriteString("\n")
		b.WriteString(m.styles.Warning.Render(fmt.Sprintf("%d status reads failed", m.pollFails)))
	}
	return m.styles.Panel.Render(b.String())
}

func (m Model) renderGauge(label, bar, value string, ok bool) string {
	if !ok {
		bar = m.styles.Muted.Render(strings.Repeat("░", 30))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		m.styles.GaugeLabel.Render(label),
		bar,
		"  ",
		m.styles.Reading.Render(value),
	)
}

func (m Model) renderReading(label, value, unit string) string {
	s := m.styles.GaugeLabel.Render(label) + m.styles.Reading.Render(value)
	if value != telemetry.NotAvailable {
		s += " " + m.styles.Unit.Render(unit)
	}
	return s + "\n"
}

func (m Model) viewLogs() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Log"))
	b.WriteString("\n\n")
	if m.fetching {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(m.styles.Warning.Render(fmt.Sprintf("Receiving... %s", humanizeBytesShort(int64(len(m.logText))))))
		b.WriteString("\n")
	} else if m.lastLog != nil {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("%s received %s",
			humanizeBytesShort(int64(len(m.lastLog.Data))),
			m.lastLog.Received.Format("15:04:05"))))
		b.WriteString("\n")
	}
	b.WriteString(m.styles.LogBox.Render(m.logView.View()))
	b.WriteString("\n")
	return b.String()
}

func (m Model) viewArchive() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Archive"))
	b.WriteString("\n\n")

	if m.deps.Store == nil {
		b.WriteString(m.styles.Muted.Render("Log archive disabled"))
		return b.String()
	}
	if len(m.archive) == 0 {
		b.WriteString(m.styles.Muted.Render("No logs archived yet"))
		return b.String()
	}
	for i, e := range m.archive {
		line := fmt.Sprintf("%s  %s  %5d rows  %8s", store.ShortHash(e.Hash),
			e.CreatedAt.Format("2006-01-02 15:04"), e.Rows, humanizeBytesShort(int64(e.Size)))
		if e.Copies > 1 {
			line += fmt.Sprintf("  ×%d", e.Copies)
		}
		if i == m.cursor {
			b.WriteString(m.styles.MenuItemSelected.Render("> " + line))
		} else {
			b.WriteString(m.styles.MenuItem.Render("  " + line))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.styles.Muted.Render("Stored in " + m.deps.Store.Path()))
	return b.String()
}

func (m Model) viewFirmware() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Firmware"))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Highlight.Render("Selected image"))
	b.WriteString("\n")
	if m.selectedFwPath != "" {
		b.WriteString(m.renderField("Name", m.selectedFwName))
		b.WriteString(m.renderField("Size", humanizeBytesShort(m.selectedFwSize)))
		if len(m.selectedFwSHA256) >= 12 {
			b.WriteString(m.renderField("SHA256", m.selectedFwSHA256[:12]))
		}
		if m.selectedFwChip != "" {
			b.WriteString(m.renderField("Chip", m.selectedFwChip))
		}
	} else {
		b.WriteString(m.styles.Muted.Render("None"))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if v := m.ota.View(); v != "" {
		b.WriteString(v)
		b.WriteString("\n\n")
	}

	for i, item := range m.getFirmwareMenuItems() {
		if i == m.cursor {
			b.WriteString(m.styles.MenuItemSelected.Render("> " + item.title))
		} else {
			b.WriteString(m.styles.MenuItem.Render("  " + item.title))
		}
		b.WriteString("\n")
		b.WriteString(m.styles.MenuItemDim.Render(item.desc))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) getFirmwareMenuItems() []struct{ title, desc string } {
	var items []struct{ title, desc string }
	if len(m.cachedFirmware) > 0 {
		items = append(items, struct{ title, desc string }{
			"Select from Cache", fmt.Sprintf("%d imported images", len(m.cachedFirmware)),
		})
	}
	items = append(items, struct{ title, desc string }{
		"Select from File", "Pick a .bin file from disk",
	})
	if m.selectedFwPath != "" {
		items = append(items,
			struct{ title, desc string }{"Flash Firmware", "Send the selected image to the logger"},
			struct{ title, desc string }{"Clear Selection", "Forget the selected image"},
		)
	}
	return items
}

func (m Model) viewFirmwareSelect() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Cached Firmware"))
	b.WriteString("\n\n")
	for i, e := range m.cachedFirmware {
		line := fmt.Sprintf("%-24s %8s  %s", truncate(e.Name, 24), humanizeBytesShort(e.FileSize), e.Imported.Format("2006-01-02"))
		if i == m.cursor {
			b.WriteString(m.styles.MenuItemSelected.Render("> " + line))
		} else {
			b.WriteString(m.styles.MenuItem.Render("  " + line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// formatMAC lowercases a colon-separated MAC address. Other address
// forms, such as macOS UUIDs, are returned as-is.
func formatMAC(mac string) string {
	clean := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(mac, ":", ""), "-", ""))
	if _, err := hex.DecodeString(clean); len(clean) != 12 || err != nil {
		return mac
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		clean[0:2], clean[2:4], clean[4:6],
		clean[6:8], clean[8:10], clean[10:12])
}

func humanizeBytesShort(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func (m Model) renderField(label, value string) string {
	return m.styles.Label.Render(label+":") + " " + m.styles.Value.Render(value) + "\n"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
