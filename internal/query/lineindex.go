package query

import (
	"os"
	"sort"
)

// lineIndex maps byte offsets into a file to (line, column), 1-based line
// and 0-based column, matching the tree-sitter Point convention the syntax
// frontend already uses internally.
type lineIndex struct {
	// newlineOffsets[i] is the byte offset of the i-th '\n' in the file.
	newlineOffsets []uint32
}

func newLineIndex(path string) (*lineIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	idx := &lineIndex{}
	for i, b := range data {
		if b == '\n' {
			idx.newlineOffsets = append(idx.newlineOffsets, uint32(i))
		}
	}
	return idx, nil
}

func (idx *lineIndex) resolve(offset uint32) (line, col int) {
	n := sort.Search(len(idx.newlineOffsets), func(i int) bool {
		return idx.newlineOffsets[i] >= offset
	})
	line = n + 1
	if n == 0 {
		col = int(offset)
		return
	}
	col = int(offset) - int(idx.newlineOffsets[n-1]) - 1
	return
}
