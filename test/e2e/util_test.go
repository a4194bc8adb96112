package e2e_test

import (
	"os"
	"path/filepath"
	"strconv"
)

func removeFile(dir, rel string) error {
	return os.Remove(filepath.Join(dir, filepath.FromSlash(rel)))
}

func jsonUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
