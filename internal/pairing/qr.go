package pairing

import (
	"encoding/json"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// QRPayload is the structured object serialized into the QR image so the
// controller app can pre-fill the completion form by scanning the screen.
type QRPayload struct {
	DeviceID string    `json:"deviceId"`
	Code     string    `json:"code"`
	Expires  time.Time `json:"expires"`
}

func (p QRPayload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RenderQR renders the payload string as a PNG. Pure function, no state.
func RenderQR(payload string) ([]byte, error) {
	return qrcode.Encode(payload, qrcode.Medium, 256)
}
