package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/pmlog/internal/api"
	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/config"
)

// PrintJSON pretty-prints JSON data. If indentation fails, prints raw.
func PrintJSON(w io.Writer, data []byte) {
	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, data, "", "  "); err != nil {
		fmt.Fprintf(w, "Body: %s\n", string(data))
	} else {
		fmt.Fprintln(w, prettyJSON.String())
	}
}

// Connect scans for the logger and returns a client with the log
// subscription in place.
func Connect(ctx context.Context, cfg *config.Config) (*api.Client, error) {
	profile, err := ble.ProfileFromConfig(cfg.Device)
	if err != nil {
		return nil, err
	}
	session, err := ble.Connect(ctx, ble.ConnectOptions{
		NameFilter:  cfg.Device.NameFilter,
		ScanTimeout: cfg.Device.ScanTimeout,
		Profile:     profile,
		OnStatus: func(status string) {
			log.Info().Str("status", status).Msg("BLE")
		},
	})
	if err != nil {
		return nil, err
	}

	client := api.New(session, cfg)
	if err := client.Connect(); err != nil {
		client.Disconnect()
		return nil, err
	}
	log.Info().Str("address", client.Address()).Bool("ota", client.HasOTA()).Msg("Connected")
	return client, nil
}

// ConfirmAction prompts the user to type 'yes' to continue.
// Returns true if confirmed, false otherwise.
func ConfirmAction(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)

	reader := bufio.NewReader(in)
	confirm, _ := reader.ReadString('\n')
	confirm = strings.TrimSpace(confirm)

	return confirm == "yes"
}
