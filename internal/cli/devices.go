package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"mxcache/internal/app"
	"mxcache/internal/store"
	"mxcache/internal/verify"
)

type deviceView struct {
	DeviceID    string `json:"device_id"`
	Ed25519     string `json:"ed25519,omitempty"`
	Curve25519  string `json:"curve25519,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// NewDevicesCommand creates the devices command.
func NewDevicesCommand(rootOpts *RootOptions) *cobra.Command {
	var showQR bool
	var pngDir string

	cmd := &cobra.Command{
		Use:   "devices <user-id>",
		Short: "List the known devices of a user and their fingerprints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				var keys []store.DeviceKeys
				views := []deviceView{}
				for _, deviceID := range a.Container.Devices.DeviceList(args[0]) {
					k, ok := a.Container.Devices.DeviceKeys(deviceID)
					if !ok {
						k = store.DeviceKeys{UserID: args[0], DeviceID: deviceID}
					}
					keys = append(keys, k)
					views = append(views, deviceView{
						DeviceID:    deviceID,
						Ed25519:     k.Ed25519(),
						Curve25519:  k.Curve25519(),
						Fingerprint: k.Fingerprint(),
					})
				}

				if pngDir != "" {
					qr := verify.NewQRRenderer(a.Log)
					for _, k := range keys {
						if k.Ed25519() == "" {
							continue
						}
						if err := qr.SaveToFile(k, filepath.Join(pngDir, k.DeviceID+".png")); err != nil {
							return err
						}
					}
				}

				if out.IsJSON() {
					return out.JSON(views)
				}
				if !showQR {
					var rows [][]string
					for _, v := range views {
						rows = append(rows, []string{v.DeviceID, v.Fingerprint, v.Curve25519})
					}
					return out.Table([]string{"Device", "Fingerprint", "Identity key"}, rows)
				}

				qr := verify.NewQRRenderer(a.Log)
				for _, k := range keys {
					if err := qr.Render(out.Writer, k); err != nil {
						out.Linef("%s: %v", k.DeviceID, err)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showQR, "qr", false, "render a verification QR code per device")
	cmd.Flags().StringVar(&pngDir, "png", "", "also save QR codes as PNG files into this directory")
	return cmd
}
