package qmp

import "encoding/json"

// QueryBlockEntry is one element of the query-block return array.
type QueryBlockEntry struct {
	Device    string          `json:"device"`
	QDev      string          `json:"qdev,omitempty"`
	Locked    bool            `json:"locked"`
	Removable bool            `json:"removable"`
	Inserted  *InsertedMedia  `json:"inserted,omitempty"`
	DirtyBMs  []DirtyBitmap   `json:"dirty-bitmaps,omitempty"`
	TrayOpen  json.RawMessage `json:"tray_open,omitempty"`
}

// InsertedMedia is the "inserted" object of a query-block entry.
type InsertedMedia struct {
	NodeName     string        `json:"node-name"`
	Driver       string        `json:"drv"`
	Image        ImageInfo     `json:"image"`
	File         string        `json:"file"`
	DirtyBitmaps []DirtyBitmap `json:"dirty-bitmaps,omitempty"`
}

// ImageInfo is the "image" object nested under InsertedMedia.
type ImageInfo struct {
	VirtualSize  int64  `json:"virtual-size"`
	Filename     string `json:"filename"`
	Format       string `json:"format"`
	BackingImage *bool  `json:"backing-image,omitempty"`
}

// DirtyBitmap is one element of a dirty-bitmaps array. The hypervisor
// corpus mixes an older "status" string ("frozen"/"active"/"disabled")
// with a newer "recording" boolean; both are carried here verbatim and
// normalized by package bitmap (spec: open question, accept both).
type DirtyBitmap struct {
	Name        string `json:"name,omitempty"`
	Status      string `json:"status,omitempty"`
	Recording   *bool  `json:"recording,omitempty"`
	Persistent  bool   `json:"persistent"`
	Granularity uint64 `json:"granularity"`
}

// NamedBlockNode is one element of the query-named-block-nodes return
// array. Used to look up bitmaps/children on an inner (child) node that
// sits below a snapshot-access or filter node.
type NamedBlockNode struct {
	NodeName     string        `json:"node-name"`
	Drv          string        `json:"drv"`
	File         string        `json:"file,omitempty"`
	DirtyBitmaps []DirtyBitmap `json:"dirty-bitmaps,omitempty"`
	Children     []ChildNode   `json:"children,omitempty"`
}

// ChildNode references a nested block node, e.g. device.children[0].
type ChildNode struct {
	Child    string `json:"child"`
	NodeName string `json:"node-name"`
}

// BlockJob is one element of the query-block-jobs return array.
type BlockJob struct {
	Type   string `json:"type"`
	Device string `json:"device"`
	Status string `json:"status"`
	Offset int64  `json:"offset"`
	Len    int64  `json:"len"`
	ID     string `json:"id,omitempty"`
}

// JSONFilename is the parsed form of a `filename` value beginning with
// "json:" -- a JSON-encoded nested block node descriptor.
type JSONFilename struct {
	File struct {
		Driver string `json:"driver"`
		Image  string `json:"image"`
		Next   *struct {
			Filename string `json:"filename"`
		} `json:"next,omitempty"`
	} `json:"file"`
}
