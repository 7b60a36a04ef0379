package model

import (
	"strings"
	"time"
)

// ItemKey identifies a work item within a batch.
type ItemKey struct {
	SourceID string `json:"source_id"`
	ItemType string `json:"item_type"`
}

// String renders the key as "source_id/item_type".
func (k ItemKey) String() string {
	return k.SourceID + "/" + k.ItemType
}

// ParseItemKey parses the String form of an ItemKey. The item type is taken
// from the last slash so source ids may contain slashes.
func ParseItemKey(s string) (ItemKey, bool) {
	idx := strings.LastIndex(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return ItemKey{}, false
	}
	return ItemKey{SourceID: s[:idx], ItemType: s[idx+1:]}, true
}

// WorkItem is one unit of classification work. Immutable after load.
type WorkItem struct {
	Key      ItemKey   `json:"key"`
	BatchID  string    `json:"batch_id"`
	Ordinal  int       `json:"ordinal"`
	Text     string    `json:"text"`
	LoadedAt time.Time `json:"loaded_at"`
}

// SourceBatch records one load of a logical source.
type SourceBatch struct {
	ID         string    `json:"id"`
	SourceName string    `json:"source_name"`
	Path       string    `json:"path"`
	Checksum   string    `json:"checksum"`
	ItemCount  int       `json:"item_count"`
	Duplicates int       `json:"duplicates"`
	LoadedAt   time.Time `json:"loaded_at"`
}
