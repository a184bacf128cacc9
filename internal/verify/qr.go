// Package verify renders device keys for manual out-of-band verification.
package verify

import (
	"fmt"
	"io"
	"strings"

	"github.com/skip2/go-qrcode"
	waLog "go.mau.fi/whatsmeow/util/log"

	"mxcache/internal/store"
)

// QRRenderer renders device fingerprints as terminal QR codes.
type QRRenderer struct {
	log waLog.Logger
}

// NewQRRenderer creates a new QRRenderer.
func NewQRRenderer(log waLog.Logger) *QRRenderer {
	return &QRRenderer{log: log.Sub("QR")}
}

// Payload is the text encoded in a device's QR code.
func Payload(keys store.DeviceKeys) string {
	return strings.Join([]string{"mxcache", "verify", keys.UserID, keys.DeviceID, keys.Ed25519()}, "|")
}

// Render writes the QR code of keys followed by its fingerprint. A device
// without a signing key is an error.
func (r *QRRenderer) Render(w io.Writer, keys store.DeviceKeys) error {
	if keys.Ed25519() == "" {
		return fmt.Errorf("device %s has no ed25519 key", keys.DeviceID)
	}

	qr, err := qrcode.New(Payload(keys), qrcode.Medium)
	if err != nil {
		r.log.Errorf("Failed to generate QR code: %v", err)
		return fmt.Errorf("failed to generate QR code: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, qr.ToSmallString(false))
	fmt.Fprintf(w, "%s %s\n", keys.DeviceID, keys.Fingerprint())
	return nil
}

// SaveToFile writes the QR code of keys as a PNG image.
func (r *QRRenderer) SaveToFile(keys store.DeviceKeys, path string) error {
	if err := qrcode.WriteFile(Payload(keys), qrcode.Medium, 256, path); err != nil {
		return fmt.Errorf("failed to save QR code: %w", err)
	}
	r.log.Infof("QR code saved to %s", path)
	return nil
}
