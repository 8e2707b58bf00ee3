package disk

import (
	"encoding/json"
	"fmt"
)

// qemuImgInfoJSON mirrors the fields CloneBox reads from
// `qemu-img info --output=json`; the real tool emits more fields, which
// json.Unmarshal silently ignores.
type qemuImgInfoJSON struct {
	VirtualSize int64  `json:"virtual-size"`
	ActualSize  int64  `json:"actual-size"`
	Format      string `json:"format"`
	BackingFile string `json:"backing-filename"`
}

func parseQemuImgInfo(raw []byte, path string) (Info, error) {
	var parsed qemuImgInfoJSON
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Info{}, fmt.Errorf("parse qemu-img info output for %s: %w", path, err)
	}
	return Info{
		VirtualSize: parsed.VirtualSize,
		ActualSize:  parsed.ActualSize,
		Format:      parsed.Format,
		Backing:     parsed.BackingFile,
	}, nil
}
