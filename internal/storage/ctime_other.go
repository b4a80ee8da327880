//go:build !linux

package storage

import (
	"os"
	"time"
)

func createdAt(st os.FileInfo) time.Time {
	return st.ModTime()
}
