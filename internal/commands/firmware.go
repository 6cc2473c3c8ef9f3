package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/vitaminmoo/pmlog/internal/api"
	"github.com/vitaminmoo/pmlog/internal/firmware"
	"github.com/vitaminmoo/pmlog/internal/ota"
	"github.com/vitaminmoo/pmlog/internal/protocol"
)

// LoadFirmware reads an image from a file path, falling back to a cached
// image of that name. cache may be nil.
func LoadFirmware(cache *firmware.Cache, arg string) (*firmware.Image, error) {
	if _, err := os.Stat(arg); err == nil {
		return firmware.Load(arg)
	}
	if cache != nil && cache.Has(arg, "") {
		return cache.Load(arg)
	}
	return nil, fmt.Errorf("firmware %q: no such file or cached image", arg)
}

// DescribeImage prints what is known about an image.
func DescribeImage(w io.Writer, img *firmware.Image) {
	fmt.Fprintf(w, "Image:   %s\n", img.Name)
	fmt.Fprintf(w, "Size:    %d bytes (%d sectors)\n", len(img.Data), protocol.SectorCount(len(img.Data)))
	fmt.Fprintf(w, "SHA256:  %s\n", img.SHA256)
	if img.ESP32 != nil {
		fmt.Fprintf(w, "Chip:    %s, entry %#08x, %d segments\n",
			img.ESP32.ChipName(), img.ESP32.EntryAddr, len(img.ESP32.Segments))
	} else {
		fmt.Fprintln(w, "Chip:    unknown (no ESP32 app header)")
	}
}

// FirmwareUpdate sends img over the OTA characteristics with a progress
// bar on w. observe, when set, also receives every progress event.
func FirmwareUpdate(ctx context.Context, c *api.Client, w io.Writer, img *firmware.Image, observe func(ota.Progress)) error {
	if !c.HasOTA() {
		return fmt.Errorf("OTA service not configured (device.ota_*_uuid) or not found: %w", api.ErrNotConnected)
	}
	DescribeImage(w, img)
	fmt.Fprintln(w)

	bar := progressbar.NewOptions64(int64(len(img.Data)),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)

	report := ota.ReportTo(func(current, total int64, description string) {
		bar.Describe(description)
		bar.Set64(current)
	})
	progress := func(p ota.Progress) {
		report(p)
		if observe != nil {
			observe(p)
		}
	}

	if err := c.UpdateFirmware(ctx, img.Data, progress); err != nil {
		bar.Exit()
		fmt.Fprintln(w)
		return fmt.Errorf("firmware update failed: %w", err)
	}
	bar.Finish()
	fmt.Fprintln(w, "Update sent, the logger will reboot")
	return nil
}

// FirmwareImport copies a file into the firmware cache.
func FirmwareImport(cache *firmware.Cache, w io.Writer, path string) error {
	img, err := firmware.Load(path)
	if err != nil {
		return err
	}
	if img.ESP32 == nil {
		fmt.Fprintf(w, "Warning: %s has no ESP32 app header\n", path)
	}
	cachePath, sum, size, err := cache.ImportFile(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Imported %s (%d bytes, sha256 %s)\n", cachePath, size, sum[:12])
	return nil
}

// FirmwareList prints the cached images.
func FirmwareList(cache *firmware.Cache, w io.Writer) error {
	entries, err := cache.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No cached firmware.")
		fmt.Fprintln(w, "Import an image with: pmlog fw import <firmware.bin>")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "  %-32s  %8d B  %s\n", e.Name, e.FileSize, e.Imported.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

// FirmwarePlan prints how img would be split at the given MTU.
func FirmwarePlan(w io.Writer, img *firmware.Image, mtu int) error {
	plan, err := ota.NewPlan(img.Data, mtu)
	if err != nil {
		return err
	}
	DescribeImage(w, img)
	fmt.Fprintf(w, "MTU:     %d (payload %d bytes per packet)\n", plan.MTU, plan.Payload)
	fmt.Fprintf(w, "Packets: %d per full sector, %d total\n", plan.PacketsPerSector, plan.TotalPackets)
	fmt.Fprintf(w, "Start:   %X\n", plan.StartFrame)
	fmt.Fprintln(w, "Sector checksums:")
	for i, sum := range plan.SectorChecksums {
		fmt.Fprintf(w, "  %4d  %04X\n", i, sum)
	}
	return nil
}
