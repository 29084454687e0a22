package intake

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirectoryItem is an entry in a job directory listing.
type DirectoryItem struct {
	Name     string           `json:"name"`
	Path     string           `json:"path"`
	IsDir    bool             `json:"isDir"`
	IsFile   bool             `json:"isFile"`
	Size     int64            `json:"size,omitempty"`
	Children []*DirectoryItem `json:"children,omitempty"`
}

// WalkDir traverses a job directory up to maxDepth levels and returns a tree
// of its entries, children sorted by name.
func WalkDir(root string, maxDepth int) (*DirectoryItem, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	return walk(root, root, info, maxDepth)
}

func walk(path, root string, info os.FileInfo, maxDepth int) (*DirectoryItem, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(rel)
	if rel == "." {
		rel, name = "", ""
	}

	item := &DirectoryItem{
		Name:   name,
		Path:   filepath.ToSlash(rel),
		IsDir:  info.IsDir(),
		IsFile: info.Mode().IsRegular(),
	}
	if item.IsFile {
		item.Size = info.Size()
	}
	if !info.IsDir() || depthOf(rel) >= maxDepth {
		return item, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		entryInfo, err := entry.Info()
		if err != nil {
			continue
		}
		child, err := walk(filepath.Join(path, entry.Name()), root, entryInfo, maxDepth)
		if err != nil {
			return nil, err
		}
		item.Children = append(item.Children, child)
	}
	sort.Slice(item.Children, func(i, k int) bool {
		return item.Children[i].Name < item.Children[k].Name
	})
	return item, nil
}

func depthOf(rel string) int {
	if rel == "" || rel == "." {
		return 0
	}
	return len(strings.Split(filepath.ToSlash(rel), "/"))
}
