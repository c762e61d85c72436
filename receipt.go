package runway

import (
	"bytes"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// ReceiptName is the receipt's filename inside a promoted environment.
const ReceiptName = "receipt.toml"

// Receipt is the record written into an environment when a build succeeds.
// It is the proof that every manifest entry was installed into the isolated
// environment, and it carries the declared port. Environments without a
// receipt are incomplete and must never be launched.
type Receipt struct {
	App          string    `toml:"app"`
	BuildID      string    `toml:"build_id"`
	Backend      string    `toml:"backend"`
	Python       string    `toml:"python"`
	Entrypoint   string    `toml:"entrypoint"`
	Port         int       `toml:"port"`
	Requirements []string  `toml:"requirements"` // ordered, verbatim manifest entries
	ManifestHash string    `toml:"manifest_hash"`
	ImageRef     string    `toml:"image_ref,omitempty"` // docker backend only
	CreatedAt    time.Time `toml:"created_at"`
}

// EncodeReceipt renders the receipt as TOML.
func EncodeReceipt(r Receipt) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeReceipt parses a TOML receipt.
func DecodeReceipt(data []byte) (Receipt, error) {
	var r Receipt
	if err := toml.Unmarshal(data, &r); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	return r, nil
}
