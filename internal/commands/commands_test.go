package commands

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vitaminmoo/pmlog/internal/api"
	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/ble/bletest"
	"github.com/vitaminmoo/pmlog/internal/firmware"
	"github.com/vitaminmoo/pmlog/internal/logstream"
	"github.com/vitaminmoo/pmlog/internal/ota"
	"github.com/vitaminmoo/pmlog/internal/protocol"
	"github.com/vitaminmoo/pmlog/internal/store"
)

type fakeLogger struct {
	status, log, command, otaData, otaCmd *bletest.Channel
	client                                *api.Client
}

func newFakeLogger(t *testing.T) *fakeLogger {
	t.Helper()
	f := &fakeLogger{
		status:  bletest.New(0),
		log:     bletest.New(0),
		command: bletest.New(0),
		otaData: bletest.New(0),
		otaCmd:  bletest.New(0),
	}
	session := ble.NewSession(f.status, f.log, f.command, f.otaData, f.otaCmd)
	session.Address = "AA:BB:CC:DD:EE:FF"
	f.client = api.New(session, nil)
	if err := f.client.Connect(); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestPrintRecord(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	rec := protocol.ParseStatus("SoC: 98.5%, V: 25.40V, I: 0.10A, CycleStatus: charging, WorkLife: 12, Mode: eco", at)

	var buf bytes.Buffer
	if err := PrintRecord(&buf, rec, false); err != nil {
		t.Fatal(err)
	}
	line := buf.String()
	for _, want := range []string{"12:30:45", "SoC 98%", "V 25.40", "I 0.10", "Load N/A", "Cycle charging", "Mode eco", "WorkLife 12"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if strings.Count(line, "\n") != 1 {
		t.Errorf("expected a single line, got %q", line)
	}

	buf.Reset()
	if err := PrintRecord(&buf, rec, true); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf.String(), err)
	}
}

func TestStatusOnce(t *testing.T) {
	f := newFakeLogger(t)
	f.status.SetValue("SoC: 55%, V: 24.00V, I: -1.25A")

	var buf bytes.Buffer
	if err := Status(context.Background(), f.client, &buf, false, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "SoC 55%") || !strings.Contains(buf.String(), "I -1.25") {
		t.Errorf("output = %q", buf.String())
	}

	f.status.FailReads(errors.New("gatt: read failed"))
	if err := Status(context.Background(), f.client, &buf, false, false); err == nil {
		t.Error("read failure not reported")
	}
}

func TestStatusWatch(t *testing.T) {
	f := newFakeLogger(t)
	f.status.SetValue("SoC: 40%")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var buf bytes.Buffer
	if err := Status(ctx, f.client, &buf, true, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"SoC":40`) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestSendAndClear(t *testing.T) {
	f := newFakeLogger(t)
	var buf bytes.Buffer
	if err := SendCommand(context.Background(), f.client, &buf, "reboot_now"); err != nil {
		t.Fatal(err)
	}
	if err := ClearLogs(context.Background(), f.client, &buf); err != nil {
		t.Fatal(err)
	}
	writes := f.command.Writes()
	if len(writes) != 2 || string(writes[0].Data) != "reboot_now" || string(writes[1].Data) != protocol.CommandClearLogs {
		t.Errorf("writes = %+v", writes)
	}
	if !strings.Contains(buf.String(), "Logs cleared") {
		t.Errorf("output = %q", buf.String())
	}

	if err := SendCommand(context.Background(), api.New(nil, nil), &buf, "x"); !errors.Is(err, api.ErrNotConnected) {
		t.Errorf("not connected: err = %v", err)
	}
}

func TestFetchLogArchivesAndSaves(t *testing.T) {
	f := newFakeLogger(t)
	f.command.OnWrite = func(w bletest.Write) error {
		if string(w.Data) == protocol.CommandSendLog {
			f.log.NotifyString("t,soc\n")
			f.log.NotifyString("1,98\n")
			f.log.NotifyString("EOF")
		}
		return nil
	}
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "log.csv")

	var buf bytes.Buffer
	l, err := FetchLog(context.Background(), f.client, st, &buf, out)
	if err != nil {
		t.Fatal(err)
	}
	if l.Text() != "t,soc\n1,98\n" {
		t.Errorf("log = %q", l.Text())
	}
	if !strings.HasPrefix(buf.String(), logstream.RequestPrompt) || !strings.Contains(buf.String(), "Archived as ") {
		t.Errorf("output = %q", buf.String())
	}
	if data, _ := os.ReadFile(out); string(data) != l.Text() {
		t.Errorf("saved %q", data)
	}
	if n, _ := st.Count(); n != 1 {
		t.Errorf("store has %d logs", n)
	}

	buf.Reset()
	if _, err := FetchLog(context.Background(), f.client, nil, &buf, "-"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "1,98\n"+protocol.LogEndMarker) {
		t.Errorf("printed log = %q", buf.String())
	}
}

func TestLogArchiveCommands(t *testing.T) {
	st, _ := store.Open(t.TempDir())
	var buf bytes.Buffer
	if err := ListLogs(st, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No logs in store.") {
		t.Errorf("empty list = %q", buf.String())
	}

	src := filepath.Join(t.TempDir(), "battery_log.csv")
	os.WriteFile(src, []byte("a,b\n1,2\n"), 0o644)
	buf.Reset()
	if err := ImportLog(st, &buf, src); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Imported new log") {
		t.Errorf("import = %q", buf.String())
	}
	buf.Reset()
	ImportLog(st, &buf, src)
	if !strings.Contains(buf.String(), "already exists") {
		t.Errorf("second import = %q", buf.String())
	}

	entries, _ := st.List()
	short := store.ShortHash(entries[0].Hash)

	buf.Reset()
	if err := ListLogs(st, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), short) || !strings.Contains(buf.String(), "x2") {
		t.Errorf("list = %q", buf.String())
	}

	buf.Reset()
	if err := ShowLog(st, &buf, short); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"rows": 1`) {
		t.Errorf("show = %q", buf.String())
	}

	dest := filepath.Join(t.TempDir(), "out.csv")
	if err := ExportLog(st, &buf, short, dest); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(dest); string(data) != "a,b\n1,2\n" {
		t.Errorf("exported %q", data)
	}
	if err := ExportLog(st, &buf, "ffffffff", dest); err == nil {
		t.Error("export of unknown hash succeeded")
	}
}

func TestFirmwarePlanAndFrames(t *testing.T) {
	img := firmware.NewImage("test", bytes.Repeat([]byte{0xAB}, 5000))

	var buf bytes.Buffer
	if err := FirmwarePlan(&buf, img, 23); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"payload 19 bytes", "Start:   010088130000", "Chip:    unknown", "   1  "} {
		if !strings.Contains(out, want) {
			t.Errorf("plan missing %q:\n%s", want, out)
		}
	}
	if err := FirmwarePlan(&buf, img, 4); !errors.Is(err, protocol.ErrPayloadTooSmall) {
		t.Errorf("mtu 4: err = %v", err)
	}

	buf.Reset()
	if err := Frames(&buf, img, 23, 1); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Sector 1/2: 904 bytes") {
		t.Errorf("frames:\n%s", buf.String())
	}
	if err := Frames(&buf, img, 23, 2); err == nil {
		t.Error("out of range sector accepted")
	}
}

func TestDecodeCapture(t *testing.T) {
	start := protocol.EncodeStartFrame(5000)
	packets := protocol.SectorPackets(0, []byte{1, 2, 3, 4, 5}, 3)
	ack := make([]byte, 6)
	binary.LittleEndian.PutUint16(ack[2:4], protocol.OTACommandStart)

	capture := strings.Join([]string{
		"# frame\tdirection\thex",
		"1\twrite\t" + hex.EncodeToString(start),
		"2\tnotify\t" + hex.EncodeToString(ack),
		"3\twrite\t" + hex.EncodeToString(packets[0]),
		"4\twrite\t" + hex.EncodeToString(packets[1]),
		"5\twrite\tzz",
		"6\tnotify\t0000",
		"bad line",
	}, "\n")

	var buf bytes.Buffer
	if err := DecodeCapture(strings.NewReader(capture), &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"Frame 1: START length=5000",
		"Frame 2: ACK " + protocol.Ack{Command: protocol.OTACommandStart}.String() + " (ok)",
		"Frame 3: DATA sector=0 seq=0 payload=3",
		"Frame 4: DATA sector=0 last payload=2 checksum=",
		"Frame 5: hex decode error",
		"Frame 6: decode error",
		"Success: 4",
		"Failed: 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFirmwareUpdate(t *testing.T) {
	f := newFakeLogger(t)
	f.otaCmd.OnWrite = func(w bletest.Write) error {
		ack := make([]byte, 6)
		binary.LittleEndian.PutUint16(ack[2:4], protocol.OTACommandStart)
		f.otaCmd.Notify(ack)
		return nil
	}
	img := firmware.NewImage("fw", make([]byte, 6000))

	var last ota.Progress
	var buf bytes.Buffer
	if err := FirmwareUpdate(context.Background(), f.client, &buf, img, func(p ota.Progress) { last = p }); err != nil {
		t.Fatal(err)
	}
	if last.Phase != ota.Complete || last.BytesSent != 6000 {
		t.Errorf("last progress = %+v", last)
	}
	if !strings.Contains(buf.String(), "Update sent") {
		t.Errorf("output = %q", buf.String())
	}

	f.otaCmd.OnWrite = func(w bletest.Write) error {
		ack := make([]byte, 6)
		binary.LittleEndian.PutUint16(ack[2:4], protocol.OTACommandStart)
		ack[4] = 1
		f.otaCmd.Notify(ack)
		return nil
	}
	if err := FirmwareUpdate(context.Background(), f.client, &buf, img, nil); !errors.Is(err, ota.ErrRejected) {
		t.Errorf("rejection: err = %v", err)
	}
}

func TestLoadFirmware(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.bin")
	os.WriteFile(path, []byte{1, 2, 3}, 0o644)

	img, err := LoadFirmware(nil, path)
	if err != nil || img.Name != "app" {
		t.Fatalf("LoadFirmware(path) = %+v, %v", img, err)
	}

	cache, err := firmware.NewCache(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := FirmwareImport(cache, &buf, path); err != nil {
		t.Fatal(err)
	}
	if img, err := LoadFirmware(cache, "app"); err != nil || len(img.Data) != 3 {
		t.Errorf("LoadFirmware(cached) = %v", err)
	}
	if _, err := LoadFirmware(cache, "missing"); err == nil {
		t.Error("missing firmware loaded")
	}

	buf.Reset()
	if err := FirmwareList(cache, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "app") {
		t.Errorf("list = %q", buf.String())
	}
}

func TestConfirmAction(t *testing.T) {
	var out bytes.Buffer
	if !ConfirmAction(strings.NewReader("yes\n"), &out, "Clear? ") {
		t.Error("yes not accepted")
	}
	if ConfirmAction(strings.NewReader("y\n"), &out, "Clear? ") {
		t.Error("y accepted")
	}
	if out.String() != "Clear? Clear? " {
		t.Errorf("prompt = %q", out.String())
	}
}
