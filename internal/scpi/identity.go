package scpi

import "strings"

// Identity is the "*IDN?" reply: manufacturer, model, serial, firmware.
type Identity struct {
	Raw          string `json:"raw"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Serial       string `json:"serial,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
}

// ParseIdentity splits an IDN reply. Instruments that do not follow the
// four-field layout keep the whole reply in Raw only.
func ParseIdentity(text string) Identity {
	id := Identity{Raw: strings.TrimSpace(text)}
	parts := strings.SplitN(id.Raw, ",", 4)
	if len(parts) != 4 {
		return id
	}
	id.Manufacturer = strings.TrimSpace(parts[0])
	id.Model = strings.TrimSpace(parts[1])
	id.Serial = strings.TrimSpace(parts[2])
	id.Firmware = strings.TrimSpace(parts[3])
	return id
}

func (id Identity) String() string {
	if id.Model == "" {
		return id.Raw
	}
	return id.Manufacturer + " " + id.Model + " (" + id.Serial + ")"
}
