package transaction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clonebox-dev/clonebox/pkg/types"
)

// writeJournalAtomic serializes journal to path via a temp-file-then-rename
// so a crash mid-write never leaves a half-written journal that Recover
// would choke on.
func writeJournalAtomic(path string, journal types.TransactionJournal) error {
	data, err := json.MarshalIndent(journal, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename journal into place: %w", err)
	}
	return nil
}

func readJournal(path string) (types.TransactionJournal, error) {
	var journal types.TransactionJournal
	data, err := os.ReadFile(path)
	if err != nil {
		return journal, fmt.Errorf("read journal: %w", err)
	}
	if err := json.Unmarshal(data, &journal); err != nil {
		return journal, fmt.Errorf("parse journal %s: %w", filepath.Base(path), err)
	}
	return journal, nil
}
