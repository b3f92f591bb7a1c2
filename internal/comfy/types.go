package comfy

import (
	"slices"
	"sort"
)

// PromptID identifies a submitted job. Compare with ==, nothing else.
type PromptID string

// ImageRef locates one artifact on the remote service.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the manifest produced by a single node.
type NodeOutput struct {
	Images []ImageRef `json:"images,omitempty"`
}

// HistoryStatus is the execution summary the service stores with a record.
type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// HistoryRecord is the stored result of one prompt.
type HistoryRecord struct {
	PromptID PromptID
	Outputs  map[string]NodeOutput
	Status   *HistoryStatus
}

// Artifact is one fetched output. Data is kept exactly as served.
type Artifact struct {
	NodeID string
	Index  int // position in the node's manifest list
	Ref    ImageRef
	Data   []byte
}

// OutputCollection groups artifacts by producing node, each group in
// manifest order.
type OutputCollection map[string][]Artifact

// NodeIDs returns the node ids in a stable order: numeric ids first in
// numeric order, then the rest lexically.
func (c OutputCollection) NodeIDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sortNodeIDs(ids)
	return ids
}

// Count is the total number of artifacts across all nodes.
func (c OutputCollection) Count() int {
	n := 0
	for _, group := range c {
		n += len(group)
	}
	return n
}

func sortNodeIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		da, db := isDigits(a), isDigits(b)
		if da != db {
			return da
		}
		if da && len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
}

func isDigits(s string) bool {
	return s != "" && !slices.ContainsFunc([]byte(s), func(c byte) bool { return c < '0' || c > '9' })
}
