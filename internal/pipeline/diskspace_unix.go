//go:build unix

package pipeline

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/duckclient/duckclient/internal/duckerr"
)

// spaceMultiplier budgets for the archive plus its extracted contents
// coexisting briefly during Replacing (spec §4.10 Prechecking: "verify
// sufficient disk space for the download plus its extraction").
const spaceMultiplier = 3

// precheckDiskSpace verifies workDir's filesystem has enough free space to
// hold the already-downloaded archive at archivePath plus room for it to
// be extracted alongside the existing tree.
func precheckDiskSpace(workDir, archivePath string) error {
	info, err := os.Stat(archivePath)
	if err != nil {
		return duckerr.New(duckerr.KindIO, "pipeline.precheckDiskSpace", err).WithPath(archivePath)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(workDir, &stat); err != nil {
		return duckerr.New(duckerr.KindIO, "pipeline.precheckDiskSpace", err).WithPath(workDir)
	}

	available := stat.Bavail * uint64(stat.Bsize)
	required := uint64(info.Size()) * spaceMultiplier
	if available < required {
		return duckerr.New(duckerr.KindNoSpace, "pipeline.precheckDiskSpace",
			fmt.Errorf("%d bytes free on %s, need at least %d", available, workDir, required)).WithPath(workDir)
	}
	return nil
}
