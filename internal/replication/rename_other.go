//go:build !linux

package replication

func renameNoReplace(src, dst string) error {
	return linkRename(src, dst)
}
